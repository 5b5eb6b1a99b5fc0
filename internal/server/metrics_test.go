package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/llmgateway/internal/app"
	"github.com/eugener/llmgateway/internal/cache"
	"github.com/eugener/llmgateway/internal/circuitbreaker"
	"github.com/eugener/llmgateway/internal/proxy"
	"github.com/eugener/llmgateway/internal/telemetry"
	"github.com/eugener/llmgateway/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestServerDeps(t *testing.T, reg *prometheus.Registry) Deps {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := testutil.NewFakeStore()
	routeCache := cache.NewRouteCache(rdb)
	router := app.NewRouterService(store, routeCache)
	engine := proxy.NewEngine(router, store, store, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), http.DefaultClient, false, false)

	deps := Deps{
		Auth:       testutil.FakeAuth{},
		AdminAuth:  testutil.FakeAuth{},
		Router:     router,
		Keys:       app.NewKeyManager(store, cache.NewAuthCache(rdb)),
		Engine:     engine,
		Store:      store,
		RouteCache: routeCache,
	}
	if reg != nil {
		deps.Metrics = telemetry.NewMetrics(reg)
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return deps
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	h := New(newTestServerDeps(t, reg))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "llmgateway_requests_total") {
		t.Error("metrics should contain llmgateway_requests_total")
	}
	if !strings.Contains(body, "llmgateway_request_duration_seconds") {
		t.Error("metrics should contain llmgateway_request_duration_seconds")
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	h := New(newTestServerDeps(t, reg))

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() != "llmgateway_requests_total" {
			continue
		}
		found = true
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" && l.GetValue() == "/healthz" {
					if m.GetCounter().GetValue() < 3 {
						t.Errorf("requests_total for /healthz = %f, want >= 3", m.GetCounter().GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Error("llmgateway_requests_total metric not found")
	}
}
