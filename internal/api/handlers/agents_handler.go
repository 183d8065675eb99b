package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/agent-platform/control-api/internal/api/types"
	"github.com/agent-platform/control-api/internal/models"
	"github.com/agent-platform/control-api/internal/reconciler"
	"github.com/agent-platform/control-api/internal/store"
)

type AgentsHandler struct {
	rec      *reconciler.Reconciler
	store    store.Store
	validate *validator.Validate
}

func NewAgentsHandler(rec *reconciler.Reconciler, st store.Store) *AgentsHandler {
	return &AgentsHandler{rec: rec, store: st, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Deploy creates a new AI agent deployment.
func (h *AgentsHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req types.AgentDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model == "" {
		req.Model = "gpt-4o"
	}
	if req.Platform == "" {
		req.Platform = "telegram"
	}

	d, err := h.rec.Create(r.Context(), &reconciler.CreateSpec{
		UserID:         req.UserID,
		Kind:           models.KindAgent,
		Platform:       req.Platform,
		Model:          req.Model,
		BotToken:       req.BotToken,
		OpenAIAPIKey:   req.OpenAIAPIKey,
		OpenAIEndpoint: req.OpenAIEndpoint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: d})
}

// Get returns one deployment with its status refreshed against the
// provisioner.
func (h *AgentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.rec.RefreshStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: d})
}

// ListForUser lists the deployments visible to the path user: all of them
// when that user is an admin, their own otherwise.
func (h *AgentsHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "id")
	if _, err := h.store.UpsertUser(r.Context(), uid, "", ""); err != nil {
		writeError(w, err)
		return
	}
	isAdmin, err := h.store.IsAdmin(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.store.ListDeployments(r.Context(), uid, isAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items,
		Meta:    &types.Meta{Total: int64(len(items))},
	})
}

// Delete removes the deployment; an already-absent backend resource still
// deletes the record and reports success.
func (h *AgentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rec.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"message": "agent deleted successfully"}})
}

func (h *AgentsHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rec.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"message": "agent restarted successfully"}})
}
