// Package proxy implements the gateway's single hot path: authenticating
// callers have already been resolved to an identity by the time Engine sees
// the request, and Engine's job is purely to route, forward, and log a
// chat-completions call against the provider resolved for its model.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/app"
	"github.com/eugener/llmgateway/internal/circuitbreaker"
	"github.com/eugener/llmgateway/internal/sse"
	"github.com/eugener/llmgateway/internal/storage"
	"github.com/eugener/llmgateway/internal/telemetry"
)

const (
	maxRequestBodyBytes   = 10 << 20 // 10MB, matches upstream chat-completions practice
	maxResponseBodyBytes  = 10 << 20
	shadowChannelDepth    = 32
)

// Engine resolves a model to a provider, forwards the call, and logs the
// outcome.
type Engine struct {
	router          *app.RouterService
	logs            storage.LogStore
	keys            storage.KeyStore
	breakers        *circuitbreaker.Registry
	http            *http.Client
	logRequestBody  bool
	logResponseBody bool
	metrics         *telemetry.Metrics
}

// NewEngine returns an Engine wired to the given router, stores, circuit
// breaker registry, and upstream HTTP client.
func NewEngine(router *app.RouterService, logs storage.LogStore, keys storage.KeyStore, breakers *circuitbreaker.Registry, httpClient *http.Client, logRequestBody, logResponseBody bool) *Engine {
	return &Engine{
		router:          router,
		logs:            logs,
		keys:            keys,
		breakers:        breakers,
		http:            httpClient,
		logRequestBody:  logRequestBody,
		logResponseBody: logResponseBody,
	}
}

// statusError wraps an upstream HTTP status so circuitbreaker.ClassifyError
// can weight it without a Go error having occurred.
type statusError struct{ status int }

func (e *statusError) Error() string  { return fmt.Sprintf("upstream status %d", e.status) }
func (e *statusError) HTTPStatus() int { return e.status }

// breakerConfigFor tunes the circuit breaker threshold by provider dialect.
// OpenRouter fans a single request out across many underlying backends, so a
// transient error rate that would indicate a sick single-backend provider is
// routine background noise there; it gets a looser threshold and a longer
// sample requirement than a direct provider API.
func breakerConfigFor(kind gateway.ProviderKind) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if kind == gateway.ProviderOpenRouter {
		cfg.ErrorThreshold = 0.5
		cfg.MinSamples = 20
	}
	return cfg
}

// SetMetrics wires Prometheus observability into the engine. Called once at
// startup; nil-safe when never called (tests, or metrics disabled).
func (e *Engine) SetMetrics(m *telemetry.Metrics) { e.metrics = m }

// recordBreakerState publishes a breaker's current state as a gauge, no-op
// when metrics aren't wired.
func (e *Engine) recordBreakerState(providerID string, breaker *circuitbreaker.Breaker) {
	if e.metrics == nil {
		return
	}
	e.metrics.CircuitBreakerState.WithLabelValues(providerID).Set(float64(breaker.State()))
}

// ChatCompletions handles POST /v1/chat/completions: it is the only
// caller-facing route that talks to an upstream provider.
func (e *Engine) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	requestID := gateway.RequestIDFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxRequestBodyBytes {
		writeError(w, http.StatusBadRequest, "Request body too large")
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	modelName := gjson.GetBytes(body, "model").String()
	if modelName == "" {
		writeError(w, http.StatusBadRequest, `"model" field is required`)
		return
	}
	isStream := gjson.GetBytes(body, "stream").Bool()

	// Pre-flight budget check (spec.md section 4.6 step 2): admission is
	// advisory, not strict -- a request already in flight when the budget
	// tips over is allowed to finish and its tokens are still counted.
	if identity != nil && identity.TokenBudget != nil && identity.TokensUsed >= *identity.TokenBudget {
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf(
			"Token budget exhausted: %d/%d tokens used", identity.TokensUsed, *identity.TokenBudget))
		return
	}

	route, err := e.router.Resolve(ctx, modelName)
	if err != nil {
		var badReq *gateway.BadRequestError
		if errors.As(err, &badReq) {
			writeError(w, http.StatusBadRequest, badReq.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	breaker := e.breakers.GetOrCreateWithConfig(route.ProviderID, breakerConfigFor(route.ProviderKind))
	if !breaker.Allow() {
		if e.metrics != nil {
			e.metrics.CircuitBreakerRejects.WithLabelValues(route.ProviderID).Inc()
		}
		writeError(w, http.StatusBadGateway, "Upstream service temporarily unavailable")
		return
	}

	var savedRequestBody []byte
	if e.logRequestBody {
		savedRequestBody = append([]byte(nil), body...)
	}

	upstreamBody := rewriteRequestBody(body, modelName, route.ProviderModelName, isStream)

	url := strings.TrimRight(route.BaseURL, "/") + "/chat/completions"
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(upstreamBody))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+route.APIKey)
	upstreamReq.Header.Set("Content-Type", "application/json")
	applyProviderHeaders(upstreamReq.Header, r.Header, route.ProviderKind)

	resp, err := e.http.Do(upstreamReq)
	if err != nil {
		breaker.RecordError(circuitbreaker.ClassifyError(err))
		e.recordBreakerState(route.ProviderID, breaker)
		writeError(w, http.StatusBadGateway, "Upstream service error")
		return
	}

	status := resp.StatusCode
	isError := status < 200 || status >= 300
	if isError {
		breaker.RecordError(circuitbreaker.ClassifyError(&statusError{status: status}))
	} else {
		breaker.RecordSuccess()
	}
	e.recordBreakerState(route.ProviderID, breaker)

	logCtx := logContext{
		requestID:      requestID,
		identity:       identity,
		modelRequested: modelName,
		modelSent:      route.ProviderModelName,
		providerID:     route.ProviderID,
		providerKind:   route.ProviderKind,
		status:         status,
		isError:        isError,
		isStream:       isStream,
		requestBody:    savedRequestBody,
		start:          start,
	}

	if isStream {
		e.streamResponse(w, resp, logCtx)
		return
	}
	e.bufferedResponse(w, resp, logCtx)
}

// logContext carries everything needed to build a gateway.RequestLog once
// the upstream call has finished, independent of which path produced it.
type logContext struct {
	requestID      string
	identity       *gateway.KeyIdentity
	modelRequested string
	modelSent      string
	providerID     string
	providerKind   gateway.ProviderKind
	status         int
	isError        bool
	isStream       bool
	requestBody    []byte
	start          time.Time
}

// bufferedResponse reads the full upstream response, relays it verbatim,
// and logs the outcome from a detached goroutine so the client is never
// held up waiting on storage.
func (e *Engine) bufferedResponse(w http.ResponseWriter, resp *http.Response, lc logContext) {
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to read upstream response")
		return
	}

	copyUpstreamHeaders(resp.Header, w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(lc.status)
	w.Write(respBytes)

	prompt, completion, total := extractUsage(respBytes)
	errorMessage := ""
	if lc.isError {
		errorMessage = gjson.GetBytes(respBytes, "error.message").String()
	}

	var savedResponseBody []byte
	if e.logResponseBody {
		savedResponseBody = respBytes
	}

	go e.finishLog(lc, prompt, completion, total, savedResponseBody, errorMessage)
}

// streamResponse relays the upstream SSE body to the client chunk by chunk
// while tee'ing every chunk to a background aggregator. The aggregator keeps
// draining even if the client write fails or disconnects, so usage is always
// captured and logged exactly once per request.
func (e *Engine) streamResponse(w http.ResponseWriter, resp *http.Response, lc logContext) {
	h := w.Header()
	copyUpstreamHeaders(resp.Header, h)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(lc.status)
	flusher, _ := w.(http.Flusher)

	shadow := make(chan []byte, shadowChannelDepth)
	go e.drainShadowStream(shadow, lc)

	defer resp.Body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			shadow <- chunk
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			break
		}
	}
	close(shadow)
}

// drainShadowStream accumulates every tee'd chunk, parses the final usage,
// and logs the request. It runs detached from the request's context so a
// client disconnect never truncates the log.
func (e *Engine) drainShadowStream(shadow <-chan []byte, lc logContext) {
	var buf bytes.Buffer
	for chunk := range shadow {
		buf.Write(chunk)
	}

	prompt, completion, total, respBody := sse.ParseUsage(buf.Bytes())
	var savedResponseBody []byte
	if e.logResponseBody {
		savedResponseBody = respBody
	}
	e.finishLog(lc, prompt, completion, total, savedResponseBody, "")
}

// finishLog inserts the request log and increments the caller's token usage.
// It always runs against a background context: the originating HTTP request
// may already be gone by the time this executes.
func (e *Engine) finishLog(lc logContext, prompt, completion, total *int64, responseBody []byte, errorMessage string) {
	ctx := context.Background()
	latencyMs := time.Since(lc.start).Milliseconds()

	log := &gateway.RequestLog{
		RequestID:        lc.requestID,
		ModelRequested:   lc.modelRequested,
		ModelSent:        lc.modelSent,
		ProviderID:       lc.providerID,
		ProviderKind:     lc.providerKind,
		StatusCode:       lc.status,
		IsError:          lc.isError,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		LatencyMs:        latencyMs,
		IsStream:         lc.isStream,
		RequestBody:      lc.requestBody,
		ResponseBody:     responseBody,
		ErrorMessage:     errorMessage,
	}
	if lc.identity != nil {
		log.UserKeyID = lc.identity.KeyID
		log.UserKeyHash = lc.identity.KeyHash
	}

	if err := e.logs.Insert(ctx, log); err != nil {
		slog.Error("request log insert failed",
			slog.String("request_id", lc.requestID),
			slog.String("error", err.Error()),
		)
	}
	if total != nil && *total > 0 && lc.identity != nil {
		if err := e.keys.IncrementUsed(ctx, lc.identity.KeyID, *total); err != nil {
			slog.Error("token usage increment failed",
				slog.String("key_id", lc.identity.KeyID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.metrics != nil {
		if prompt != nil {
			e.metrics.TokensProcessed.WithLabelValues(lc.modelRequested, "prompt").Add(float64(*prompt))
		}
		if completion != nil {
			e.metrics.TokensProcessed.WithLabelValues(lc.modelRequested, "completion").Add(float64(*completion))
		}
	}
}

// rewriteRequestBody substitutes the provider-side model name and, for
// streaming requests, injects stream_options.include_usage so providers that
// only attach usage when asked still report it on the final chunk.
func rewriteRequestBody(body []byte, modelName, providerModelName string, isStream bool) []byte {
	out := body
	if providerModelName != "" && providerModelName != modelName {
		if rewritten, err := sjson.SetBytes(out, "model", providerModelName); err == nil {
			out = rewritten
		}
	}
	if isStream && !gjson.GetBytes(out, "stream_options").Exists() {
		if rewritten, err := sjson.SetBytes(out, "stream_options.include_usage", true); err == nil {
			out = rewritten
		}
	}
	return out
}

// applyProviderHeaders forwards the kind-specific auxiliary headers the
// caller sent, matching what each upstream dialect actually honors.
func applyProviderHeaders(dst, src http.Header, kind gateway.ProviderKind) {
	switch kind {
	case gateway.ProviderOpenRouter:
		if v := src.Get("HTTP-Referer"); v != "" {
			dst.Set("HTTP-Referer", v)
		}
		if v := src.Get("X-Title"); v != "" {
			dst.Set("X-Title", v)
		}
	default:
		if v := src.Get("OpenAI-Organization"); v != "" {
			dst.Set("OpenAI-Organization", v)
		}
	}
}

// allowedUpstreamHeaders is the closed set of upstream response headers
// relayed to the client -- everything else (Set-Cookie, Server, vendor debug
// headers, ...) is dropped rather than forwarded verbatim.
var allowedUpstreamHeaders = []string{
	"X-Ratelimit-Limit-Requests",
	"X-Ratelimit-Limit-Tokens",
	"X-Ratelimit-Remaining-Requests",
	"X-Ratelimit-Remaining-Tokens",
	"X-Ratelimit-Reset-Requests",
	"X-Ratelimit-Reset-Tokens",
	"X-Request-Id",
	"Openai-Processing-Ms",
	"Openai-Organization",
}

// copyUpstreamHeaders relays the allowlisted upstream response headers,
// letting the caller set Content-Type/Connection/Cache-Control afterward
// without them being clobbered.
func copyUpstreamHeaders(src, dst http.Header) {
	for _, k := range allowedUpstreamHeaders {
		if v := src.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
}

// extractUsage reads prompt/completion/total tokens from a non-streaming
// chat-completions response body.
func extractUsage(body []byte) (prompt, completion, total *int64) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil, nil, nil
	}
	if v := usage.Get("prompt_tokens"); v.Exists() {
		n := v.Int()
		prompt = &n
	}
	if v := usage.Get("completion_tokens"); v.Exists() {
		n := v.Int()
		completion = &n
	}
	if v := usage.Get("total_tokens"); v.Exists() {
		n := v.Int()
		total = &n
	}
	return prompt, completion, total
}

// errorEnvelope mirrors the OpenAI-style error response shape callers expect.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	var env errorEnvelope
	env.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
