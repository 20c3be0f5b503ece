package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/identity"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/internal/workitem"
	"github.com/pitabwire/stageflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.Logger
	Engine      *workflow.Engine
	Registry    *definition.Registry
	Definitions *definition.Store
	WorkItems   workitem.Repository
	Resolver    identity.Resolver
	Metrics     *observability.Metrics
	Readiness   observability.ReadinessChecks
	// Idempotency records replies to mutating work item calls. Nil disables
	// replay.
	Idempotency idempotency.Store
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass actor
// resolution.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(Correlation)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	r.Handle("/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Use(ResolveActor(deps.Resolver, deps.Config.Identity.ActorHeader))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		engine := deps.Engine
		var idem idempotency.Store
		if deps.Config.Idempotency.Enabled {
			idem = deps.Idempotency
		}
		once := Idempotent(idem, deps.Config.Idempotency.TTL)

		r.Route("/work-items/{id}", func(r chi.Router) {
			r.Get("/", handleGetWorkItem(deps.WorkItems))
			r.With(RequireRole(deps.Config.Identity.AdminRole)).Put("/", handlePutWorkItem(deps.WorkItems, engine))
			r.With(once).Post("/start", handleStart(engine))
			r.Get("/state", handleGetState(engine))
			r.Get("/transitions", handleAvailableTransitions(engine))
			r.With(once).Post("/advance", handleAdvance(engine))
			r.With(once).Post("/approvals", handleRequestApproval(engine))
			r.With(once).Post("/approvals/decision", handleProcessApproval(engine))
			r.Get("/sla", handleGetSLAStatus(engine))
			r.With(RequireRole(deps.Config.Identity.AdminRole), once).Post("/auto-advance", handleAutoAdvance(engine))
		})

		r.Get("/sla/violations", handleViolations(engine))
		r.Get("/reports/bottlenecks", handleBottlenecks(engine))
		r.Get("/reports/metrics", handleWorkflowMetrics(engine))
		r.Get("/reports/stages-in-use", handleStagesInUse(engine))

		r.Route("/config", func(r chi.Router) {
			r.Get("/stages", handleListStages(deps.Registry))
			r.Get("/transitions", handleListTransitions(deps.Registry))
			r.Get("/history", handleConfigHistory(deps.Definitions))
			r.Get("/validate", handleValidateConfig(deps.Definitions))

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(deps.Config.Identity.AdminRole))
				r.Post("/stages", handleCreateStage(deps.Definitions))
				r.Put("/stages/{stageId}", handleUpdateStage(deps.Definitions))
				r.Delete("/stages/{stageId}", handleDeleteStage(deps.Definitions))
				r.Post("/transitions", handleCreateTransition(deps.Definitions))
				r.Put("/transitions/{transitionId}", handleUpdateTransition(deps.Definitions))
				r.Delete("/transitions/{transitionId}", handleDeleteTransition(deps.Definitions))
			})
		})

		r.Route("/sweeps", func(r chi.Router) {
			r.Use(RequireRole(deps.Config.Identity.AdminRole))
			r.Post("/auto-transitions", handleAutoTransitionSweep(engine))
			r.Post("/sla", handleSLASweep(engine))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("route not found"))
	})

	return r
}
