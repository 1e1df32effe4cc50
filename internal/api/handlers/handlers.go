// Package handlers implements the HTTP handlers for the council server.
// Extension-backed routes go through the broker; request history routes
// read the store directly.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lifeos-nexus/council/internal/broker"
	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/lifeos-nexus/council/internal/store"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxPromptBody caps POST /prompt bodies.
const maxPromptBody = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Broker  *broker.Broker
	Store   store.RequestStore
	Version string

	started time.Time
}

// New creates a new Handlers instance. started anchors the reported uptime.
func New(b *broker.Broker, s store.RequestStore, version string, started time.Time) *Handlers {
	return &Handlers{
		Broker:  b,
		Store:   s,
		Version: version,
		started: started,
	}
}

// UptimeMs returns milliseconds since the server started.
func (h *Handlers) UptimeMs() int64 {
	return time.Since(h.started).Milliseconds()
}

// ── Health & Info ───────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.HealthResponse{
		Status:             "ok",
		ExtensionConnected: h.Broker.Connected(),
		Uptime:             h.UptimeMs(),
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "council-server",
	})
}

// ── Council Prompt ──────────────────────────────────────────

func (h *Handlers) Prompt(w http.ResponseWriter, r *http.Request) {
	var req models.PromptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBody)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, models.PromptResponse{
			Success:   false,
			Error:     "Invalid request body",
			ErrorCode: models.ErrorCodeInvalidRequest,
		})
		return
	}

	resp, err := h.Broker.SubmitPrompt(r.Context(), req)
	if err != nil {
		var be *broker.Error
		if errors.As(err, &be) {
			respondJSON(w, be.Status, be.Response())
			return
		}
		log.Error().Err(err).Msg("Prompt failed unexpectedly")
		respondJSON(w, http.StatusInternalServerError, models.PromptResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: models.ErrorCodeServerError,
		})
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Extension Proxies ───────────────────────────────────────

func (h *Handlers) AuthStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Broker.AuthStatus(r.Context()))
}

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	body, err := h.Broker.ListConversations(r.Context())
	respondProxy(w, body, err, "Timeout waiting for conversations")
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	body, err := h.Broker.GetConversation(r.Context(), chi.URLParam(r, "id"))
	respondProxy(w, body, err, "Timeout waiting for conversation")
}

func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	body, err := h.Broker.DeleteConversation(r.Context(), chi.URLParam(r, "id"))
	respondProxy(w, body, err, "Timeout waiting for delete result")
}

// respondProxy passes the extension's payload through, or maps the broker
// error onto 503/500/504.
func respondProxy(w http.ResponseWriter, body json.RawMessage, err error, timeoutMsg string) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, body)
	case errors.Is(err, broker.ErrDispatch):
		respondError(w, http.StatusInternalServerError, broker.DispatchMessage(err))
	case errors.Is(err, registry.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, "Extension not connected")
	default:
		respondError(w, http.StatusGatewayTimeout, timeoutMsg)
	}
}

// ── Request History ─────────────────────────────────────────

func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, store.DefaultListLimit)
	}

	list, err := h.Store.ListRecent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.RequestSummary{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, "Request not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Store.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "Request not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) ActiveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Broker.ActiveRequest(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req == nil {
		respondJSON(w, http.StatusOK, nil)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
