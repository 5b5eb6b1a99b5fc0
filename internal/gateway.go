// Package gateway defines domain types and interfaces for the LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Domain types (spec.md section 3) ---

// UserKey is a managed API key belonging to the gateway's caller population.
type UserKey struct {
	ID          string
	Name        string
	KeyHash     string `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix   string // first 11 plaintext runes + "…"
	IsActive    bool
	TokenBudget *int64 // nil = unlimited
	TokensUsed  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// WeightedTokensUsed is populated only by KeyStore.List: the sum of
	// per-log weighted tokens (prompt*input_coeff + completion*output_coeff)
	// joined against current model coefficients, falling back to TokensUsed
	// when the key has no logged requests. Zero value elsewhere.
	WeightedTokensUsed int64
}

// ProviderKind enumerates the upstream wire dialects the gateway understands.
// All three are OpenAI-compatible at the wire level; kind only determines the
// default base URL and which auxiliary headers get forwarded.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderDashScope  ProviderKind = "dashscope"
)

// DefaultBaseURL returns the conventional base URL for a provider kind.
func (k ProviderKind) DefaultBaseURL() string {
	switch k {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1"
	case ProviderDashScope:
		return "https://dashscope.aliyuncs.com/compatible-mode/v1"
	default:
		return ""
	}
}

// Provider is a configured upstream LLM credential.
type Provider struct {
	ID        string
	Name      string
	Kind      ProviderKind
	BaseURL   string
	APIKey    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Model is a user-facing model name mapped to a provider-side model.
type Model struct {
	ID                    string
	Name                  string // unique, user-facing
	ProviderID            string
	ProviderModelName     string // empty = same as Name
	IsActive              bool
	InputTokenCoefficient float64
	OutputTokenCoefficient float64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ModelRoute is the derived, denormalized view the proxy engine actually
// consumes: everything needed to forward one request, with no further joins.
type ModelRoute struct {
	ProviderID             string
	ProviderModelName      string
	BaseURL                string
	APIKey                 string
	ProviderKind           ProviderKind
	InputTokenCoefficient  float64
	OutputTokenCoefficient float64
}

// RequestLog is one append-only record of a proxied request.
type RequestLog struct {
	ID               string
	RequestID        string
	UserKeyID        string
	UserKeyHash      string
	ModelRequested   string
	ModelSent        string
	ProviderID       string
	ProviderKind     ProviderKind
	StatusCode       int
	IsError          bool
	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
	LatencyMs        int64
	IsStream         bool
	RequestBody      []byte // optional JSON
	ResponseBody     []byte // optional JSON
	ErrorMessage     string
	CreatedAt        time.Time

	// WeightedTotalTokens is populated only by LogStore.ListLogs: round(prompt*
	// input_coeff + completion*output_coeff) joined against the model's
	// current coefficients (1.0 when the model has since been deleted).
	WeightedTotalTokens *int64
}

// --- Sentinel errors (spec.md section 7) ---

var (
	// ErrUnauthorized is returned when a caller presents no credential or an
	// invalid one.
	ErrUnauthorized = newKindError("unauthorized")
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = newKindError("not found")
	// ErrUpstreamFailure is returned when the upstream provider could not be
	// reached or returned a non-parseable response.
	ErrUpstreamFailure = newKindError("upstream failure")
	// ErrBudgetExhausted is returned by the pre-flight budget gate.
	ErrBudgetExhausted = newKindError("token budget exhausted")
	// ErrConflict is returned on unique-constraint violations (e.g. duplicate
	// model name).
	ErrConflict = newKindError("conflict")
)

type kindError struct{ msg string }

func newKindError(msg string) *kindError { return &kindError{msg: msg} }
func (e *kindError) Error() string       { return e.msg }

// BadRequestError carries a caller-facing message for a malformed or
// semantically invalid request (spec.md section 7's "BadRequest(message)").
type BadRequestError struct{ Message string }

func (e *BadRequestError) Error() string { return e.Message }

// NewBadRequest constructs a BadRequestError with the given message.
func NewBadRequest(msg string) error { return &BadRequestError{Message: msg} }

// UnauthorizedError carries a caller-facing message for a missing or invalid
// credential (spec.md section 4.4's exact failure messages).
type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

// Is reports UnauthorizedError as matching ErrUnauthorized for callers using
// errors.Is to classify the failure without caring about the message.
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// NewUnauthorized constructs an UnauthorizedError with the given message.
func NewUnauthorized(msg string) error { return &UnauthorizedError{Message: msg} }

// BudgetExhaustedError carries the caller-facing "<used>/<budget>" message
// for a pre-flight budget check failure (spec.md section 4.6 step 2).
type BudgetExhaustedError struct{ Message string }

func (e *BudgetExhaustedError) Error() string { return e.Message }

func (e *BudgetExhaustedError) Is(target error) bool { return target == ErrBudgetExhausted }

// NewBudgetExhausted constructs a BudgetExhaustedError with the given message.
func NewBudgetExhausted(msg string) error { return &BudgetExhaustedError{Message: msg} }

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *KeyIdentity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyIdentity is the authenticated caller context attached to the request.
type KeyIdentity struct {
	KeyID       string
	KeyHash     string
	TokenBudget *int64
	TokensUsed  int64
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *KeyIdentity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *KeyIdentity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// KeyPrefix is the plaintext prefix of every generated user key.
const KeyPrefix = "sk-"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// DisplayPrefix returns the first 11 runes of a plaintext key followed by an
// ellipsis, for display in admin listings without exposing the full key.
func DisplayPrefix(plaintext string) string {
	r := []rune(plaintext)
	if len(r) <= 11 {
		return string(r) + "…"
	}
	return string(r[:11]) + "…"
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*KeyIdentity, error)
}
