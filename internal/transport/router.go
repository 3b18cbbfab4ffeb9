package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/internal/render"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Catalog   Catalog
	Dashboard Dashboard
	Lifecycle Lifecycle
	Renderer  *render.Renderer
	// Stream serves the WebSocket state stream; nil disables it.
	Stream http.Handler
}

type handlers struct {
	catalog   Catalog
	dashboard Dashboard
	lifecycle Lifecycle
	renderer  *render.Renderer
	logger    *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.New(render.WithLogger(logger), render.WithMetrics(deps.Metrics))
	}
	h := &handlers{
		catalog:   deps.Catalog,
		dashboard: deps.Dashboard,
		lifecycle: deps.Lifecycle,
		renderer:  renderer,
		logger:    logger,
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		if deps.Gatherer != nil {
			r.Method(http.MethodGet, path, observability.HandlerFor(deps.Gatherer))
		} else {
			r.Method(http.MethodGet, path, observability.Handler())
		}
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		// The stream is long-lived and must not inherit the handler timeout.
		if deps.Stream != nil {
			r.Method(http.MethodGet, "/api/stream", deps.Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			r.Get("/api/widgets", handleListWidgets(deps.Catalog))
			r.Get("/api/widgets/search", handleSearchWidgets(deps.Catalog))
			r.Get("/api/widgets/{widgetId}", handleGetWidget(deps.Catalog))

			r.Get("/api/instances", h.listInstances)
			r.Post("/api/instances", h.addInstance)
			r.Put("/api/instances/layout", h.updateLayout)
			r.Delete("/api/instances/{instanceId}", h.removeInstance)
			r.Put("/api/instances/{instanceId}/size", h.setSize)
			r.Get("/api/instances/{instanceId}/config", h.getConfig)
			r.Put("/api/instances/{instanceId}/config", h.putConfig)
			r.Delete("/api/instances/{instanceId}/config", h.deleteConfig)
			r.Post("/api/instances/{instanceId}/refresh", h.refresh)
			r.Get("/api/instances/{instanceId}/state", h.getState)
			r.Get("/api/instances/{instanceId}/render", h.renderInstance)
		})
	})

	return r
}
