package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/testutil"
)

func adminRequest(method, path string, body any) *http.Request {
	var r *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer admin-test")
	return r
}

func TestAdminProviders_CreateListGetUpdateDelete(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/providers", providerRequest{
		Name: "primary", Kind: gateway.ProviderOpenAI, BaseURL: "https://api.openai.com/v1", APIKey: "sk-up", IsActive: true,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var created gateway.Provider
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created provider has empty ID")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/providers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/providers/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/admin/providers/"+created.ID, providerRequest{
		Name: "primary-renamed", Kind: gateway.ProviderOpenAI, BaseURL: created.BaseURL, APIKey: "sk-up", IsActive: false,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodDelete, "/admin/providers/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/providers/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d", rec.Code)
	}
}

func TestAdminProviders_CreateMissingFields(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/providers", providerRequest{}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminModels_CreateUpdateInvalidatesRoute(t *testing.T) {
	t.Parallel()
	var providerID string
	h := newTestHandler(t, func(store *testutil.FakeStore) {
		p := &gateway.Provider{Name: "primary", Kind: gateway.ProviderOpenAI, BaseURL: "https://api.openai.com/v1", APIKey: "k", IsActive: true}
		store.AddProvider(p)
		providerID = p.ID
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/models", modelRequest{
		Name: "gpt-test", ProviderID: providerID, IsActive: true, InputTokenCoefficient: 1, OutputTokenCoefficient: 1,
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create model: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var created gateway.Model
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/admin/models/"+created.ID, modelRequest{
		Name: "gpt-test", ProviderID: providerID, IsActive: false, InputTokenCoefficient: 1, OutputTokenCoefficient: 1,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("update model: status = %d; body = %s", rec.Code, rec.Body.String())
	}
}

func TestAdminKeys_CreateRotateUpdateDelete(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, nil)
	budget := int64(1000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/keys", keyCreateRequest{Name: "test-key", TokenBudget: &budget}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var created keyCreateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Key == "" || created.UserKey == nil {
		t.Fatal("create response missing plaintext key or record")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/keys/"+created.ID+"/rotate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodPut, "/admin/keys/"+created.ID, keyUpdateRequest{ResetUsage: true}))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/keys", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodDelete, "/admin/keys/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
}

func TestAdminLogs_ListFiltersByModel(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, func(store *testutil.FakeStore) {
		store.Insert(nil, &gateway.RequestLog{ModelRequested: "gpt-test", StatusCode: 200})
		store.Insert(nil, &gateway.RequestLog{ModelRequested: "other-model", StatusCode: 200})
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/logs?model=gpt-test", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var got listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pagination.Total != 1 {
		t.Errorf("total = %d, want 1", got.Pagination.Total)
	}
}
