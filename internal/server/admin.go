package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size.
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client, avoiding leaking storage-layer internals.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

type providerRequest struct {
	Name     string              `json:"name"`
	Kind     gateway.ProviderKind `json:"kind"`
	BaseURL  string              `json:"base_url"`
	APIKey   string              `json:"api_key"`
	IsActive bool                `json:"is_active"`
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and api_key are required"))
		return
	}
	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = req.Kind.DefaultBaseURL()
	}
	p := &gateway.Provider{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Name:     req.Name,
		Kind:     req.Kind,
		BaseURL:  baseURL,
		APIKey:   req.APIKey,
		IsActive: req.IsActive,
	}
	if err := s.deps.Store.CreateProvider(r.Context(), p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetProvider(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var req providerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Name = req.Name
	existing.Kind = req.Kind
	existing.BaseURL = req.BaseURL
	existing.APIKey = req.APIKey
	existing.IsActive = req.IsActive
	if err := s.deps.Store.UpdateProvider(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	// Cached routes embed the provider's base URL, key and kind, so every
	// model served by this provider is evicted.
	if models, err := s.deps.Store.ListModels(r.Context()); err == nil {
		for _, m := range models {
			if m.ProviderID == existing.ID {
				s.invalidateRoute(r, m.Name)
			}
		}
	} else {
		slog.LogAttrs(r.Context(), slog.LevelError, "route cache invalidate failed",
			slog.String("provider", existing.ID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProvider(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Models ---

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ListModels(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

type modelRequest struct {
	Name                   string  `json:"name"`
	ProviderID             string  `json:"provider_id"`
	ProviderModelName      string  `json:"provider_model_name"`
	IsActive               bool    `json:"is_active"`
	InputTokenCoefficient  float64 `json:"input_token_coefficient"`
	OutputTokenCoefficient float64 `json:"output_token_coefficient"`
}

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.ProviderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and provider_id are required"))
		return
	}
	m := &gateway.Model{
		ID:                     uuid.Must(uuid.NewV7()).String(),
		Name:                   req.Name,
		ProviderID:             req.ProviderID,
		ProviderModelName:      req.ProviderModelName,
		IsActive:               req.IsActive,
		InputTokenCoefficient:  req.InputTokenCoefficient,
		OutputTokenCoefficient: req.OutputTokenCoefficient,
	}
	if err := s.deps.Store.CreateModel(r.Context(), m); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.deps.Store.GetModel(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetModel(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var req modelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	existing.Name = req.Name
	existing.ProviderID = req.ProviderID
	existing.ProviderModelName = req.ProviderModelName
	existing.IsActive = req.IsActive
	existing.InputTokenCoefficient = req.InputTokenCoefficient
	existing.OutputTokenCoefficient = req.OutputTokenCoefficient
	if err := s.deps.Store.UpdateModel(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateRoute(r, existing.Name)
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.deps.Store.GetModel(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteModel(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.invalidateRoute(r, m.Name)
	w.WriteHeader(http.StatusNoContent)
}

// invalidateRoute evicts a model's cached route after an admin mutation so
// the proxy engine re-resolves from storage on its next lookup.
func (s *server) invalidateRoute(r *http.Request, modelName string) {
	if s.deps.RouteCache == nil {
		return
	}
	if err := s.deps.RouteCache.Delete(r.Context(), modelName); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "route cache invalidate failed",
			slog.String("model", modelName),
			slog.String("error", err.Error()),
		)
	}
}

// --- Keys ---

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, total, err := s.deps.Keys.ListKeys(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

type keyCreateRequest struct {
	Name        string `json:"name"`
	TokenBudget *int64 `json:"token_budget"`
}

type keyCreateResponse struct {
	Key string          `json:"key"`
	*gateway.UserKey
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), req.Name, req.TokenBudget)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{Key: plaintext, UserKey: key})
}

func (s *server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plaintext, key, err := s.deps.Keys.RotateKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keyCreateResponse{Key: plaintext, UserKey: key})
}

type keyUpdateRequest struct {
	TokenBudget *int64 `json:"token_budget"`
	ResetUsage  bool   `json:"reset_usage"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req keyUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, err := s.deps.Keys.UpdateKey(r.Context(), id, req.TokenBudget, req.ResetUsage)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	page := offset/limit + 1
	params := storage.ListLogsParams{
		Page:    page,
		PerPage: limit,
		KeyID:   r.URL.Query().Get("key_id"),
		Model:   r.URL.Query().Get("model"),
	}
	logs, total, err := s.deps.Store.ListLogs(r.Context(), params)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       logs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}
