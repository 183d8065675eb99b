package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agent-platform/control-api/internal/api/handlers"
	mw "github.com/agent-platform/control-api/internal/api/middleware"
	"github.com/agent-platform/control-api/internal/reconciler"
	"github.com/agent-platform/control-api/internal/store"
	"github.com/agent-platform/control-api/internal/telegram"
)

type Dependencies struct {
	Store      store.Store
	Reconciler *reconciler.Reconciler
	Telegram   *telegram.Client
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(mw.Identity(dep.Store))

	hh := handlers.NewHealthHandler()
	r.Get("/", hh.Root)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	ah := handlers.NewAgentsHandler(dep.Reconciler, dep.Store)
	r.Route("/agents", func(ar chi.Router) {
		ar.Post("/deploy", ah.Deploy)
		ar.Get("/{id}", ah.Get)
		ar.Delete("/{id}", ah.Delete)
		ar.Post("/{id}/restart", ah.Restart)
	})
	r.Get("/users/{id}/agents", ah.ListForUser)

	wh := handlers.NewWebsitesHandler(dep.Reconciler, dep.Telegram)
	r.Post("/website/deploy", wh.Deploy)

	dh := handlers.NewDeploymentsHandler(dep.Store)
	r.Route("/deployments", func(dr chi.Router) {
		dr.Get("/", dh.List)
		dr.Get("/{id}", dh.Get)
	})

	sh := handlers.NewStatsHandler(dep.Store)
	r.Get("/stats", sh.Get)

	return r
}
