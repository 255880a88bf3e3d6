package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/arkeep-io/procstar/internal/audit"
	"github.com/arkeep-io/procstar/internal/dispatcher"
	"github.com/arkeep-io/procstar/internal/metrics"
	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
)

// Config holds everything needed to build the admin API.
type Config struct {
	Registry   *registry.Registry
	Tracker    *tracker.Tracker
	Dispatcher *dispatcher.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// AuditStore, if non-nil, backs the read-only /audit routes below. Nil
	// means those routes report 404 rather than panicking.
	AuditStore *audit.Store

	// AccessToken gates every route below /admin/v1 with the Authenticate
	// middleware, using the same shared secret agents present in Register.
	AccessToken string
}

// API groups every admin HTTP handler and the dependencies they call
// into. Handlers are methods on *API rather than free functions so they
// share these dependencies without a parameter struct per call.
type API struct {
	registry   *registry.Registry
	tracker    *tracker.Tracker
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	auditStore *audit.Store
	log        *zap.Logger

	hub *hub
}

// NewRouter builds the fully configured chi router and starts the admin
// feed's background goroutines (cancelled when ctx is done).
func NewRouter(ctx context.Context, cfg Config) http.Handler {
	a := &API{
		registry:   cfg.Registry,
		tracker:    cfg.Tracker,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		auditStore: cfg.AuditStore,
		log:        cfg.Logger.Named("httpapi"),
		hub:        newHub(),
	}

	go runFeed(ctx, a.registry, a.hub, a.log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(a.log))
	r.Use(middleware.Recoverer)

	// /metrics is intentionally unauthenticated, matching the convention
	// of scraping endpoints sitting behind network-level access control
	// rather than the application's own bearer token.
	r.Get("/metrics", a.metrics.Handler().ServeHTTP)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.AccessToken))

		r.Get("/feed", a.ServeFeed)

		r.Get("/connections", a.ListConnections)
		r.Post("/connections/prune", a.PruneConnections)
		r.Get("/connections/{conn_id}", a.GetConnection)
		r.Get("/connections/{conn_id}/processes", a.ListProcesses)
		r.Get("/connections/{conn_id}/audit", a.ListConnectionAuditEvents)
		r.Post("/connections/{conn_id}/processes/{proc_id}/reconnect", a.ReconnectProcess)

		r.Post("/processes", a.StartProcess)
		r.Get("/processes/{proc_id}", a.GetProcess)
		r.Delete("/processes/{proc_id}", a.DeleteProcess)
		r.Post("/processes/{proc_id}/signal", a.SignalProcess)
		r.Get("/processes/{proc_id}/fds/{fd}", a.GetFdData)
		r.Get("/processes/{proc_id}/audit", a.ListProcessAuditEvents)
	})

	return r
}
