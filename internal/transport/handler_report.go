package transport

import (
	"net/http"
	"time"

	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/model"
)

func handleViolations(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asOf, err := queryTime(r, "as_of")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		violations, err := engine.GetViolations(r.Context(), asOf)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if violations == nil {
			violations = []model.SLAStatus{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": violations, "total_count": len(violations)})
	}
}

func handleBottlenecks(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dwell, err := engine.GetBottlenecks(r.Context(), r.URL.Query().Get("scope"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if dwell == nil {
			dwell = []model.StageDwell{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": dwell})
	}
}

// handleWorkflowMetrics defaults the window to the last 30 days.
func handleWorkflowMetrics(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := queryTime(r, "from")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		to, err := queryTime(r, "to")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		end := engine.Now()
		if to != nil {
			end = *to
		}
		start := end.Add(-30 * 24 * time.Hour)
		if from != nil {
			start = *from
		}

		m, err := engine.GetWorkflowMetrics(r.Context(), start, end, r.URL.Query().Get("scope"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, m)
	}
}

func handleStagesInUse(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inUse, err := engine.StagesInUse(r.Context(), r.URL.Query().Get("scope"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": inUse})
	}
}

func handleAutoTransitionSweep(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.ProcessAutoTransitions(r.Context())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleSLASweep(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.ProcessSLANotifications(r.Context())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
