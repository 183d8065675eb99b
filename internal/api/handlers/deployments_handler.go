package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agent-platform/control-api/internal/api/middleware"
	"github.com/agent-platform/control-api/internal/api/types"
	"github.com/agent-platform/control-api/internal/store"
)

type DeploymentsHandler struct {
	store store.Store
}

func NewDeploymentsHandler(st store.Store) *DeploymentsHandler {
	return &DeploymentsHandler{store: st}
}

// List returns the deployments visible to the caller. Unauthenticated
// callers get an empty sequence.
func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	items, err := h.store.ListDeployments(r.Context(), callerID, middleware.IsAdmin(r.Context()))
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

// Get returns a stored deployment record without refreshing it.
func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: d})
}
