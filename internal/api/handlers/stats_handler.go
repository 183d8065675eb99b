package handlers

import (
	"net/http"

	"github.com/agent-platform/control-api/internal/api/middleware"
	"github.com/agent-platform/control-api/internal/api/types"
	"github.com/agent-platform/control-api/internal/store"
)

type StatsHandler struct {
	store store.Store
}

func NewStatsHandler(st store.Store) *StatsHandler {
	return &StatsHandler{store: st}
}

// Get returns deployment statistics scoped to the caller; the unique user
// count is platform-wide and admin-only.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context(), middleware.GetUserID(r.Context()), middleware.IsAdmin(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: st})
}
