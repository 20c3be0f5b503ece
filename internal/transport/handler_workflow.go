package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/internal/workitem"
	"github.com/pitabwire/stageflow/model"
)

func handleStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.MustActor(r.Context())
		state, err := engine.Start(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, state)
	}
}

// handleGetState returns the current derived state, or the state replayed to
// the as_of instant when the query parameter is present.
func handleGetState(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		asOf, err := queryTime(r, "as_of")
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var state model.DerivedState
		if asOf != nil {
			state, err = engine.ReplayAsOf(r.Context(), id, *asOf)
		} else {
			state, err = engine.GetCurrentState(r.Context(), id)
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, state)
	}
}

func handleAvailableTransitions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.MustActor(r.Context())
		transitions, err := engine.GetAvailableTransitions(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if transitions == nil {
			transitions = []model.Transition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": transitions})
	}
}

func handleAdvance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.MustActor(r.Context())

		var body struct {
			TargetStage     string `json:"target_stage"`
			ExpectedVersion int64  `json:"expected_version"`
			Comment         string `json:"comment"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		res, err := engine.Advance(r.Context(), workflow.AdvanceRequest{
			WorkItemID:      chi.URLParam(r, "id"),
			TargetStage:     body.TargetStage,
			ExpectedVersion: body.ExpectedVersion,
			Comment:         body.Comment,
		}, actor)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, advanceStatus(res), res)
	}
}

func handleRequestApproval(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.MustActor(r.Context())

		var body struct {
			TransitionID string `json:"transition_id"`
			Comment      string `json:"comment"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		res, err := engine.RequestApproval(r.Context(), chi.URLParam(r, "id"), body.TransitionID, actor, body.Comment)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, advanceStatus(res), res)
	}
}

func handleProcessApproval(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := model.MustActor(r.Context())

		var body struct {
			Approved *bool  `json:"approved"`
			Comment  string `json:"comment"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.Approved == nil {
			WriteError(w, r, model.NewBadRequestError("approved is required"))
			return
		}

		res, err := engine.ProcessApproval(r.Context(), chi.URLParam(r, "id"), actor, *body.Approved, body.Comment)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// handleAutoAdvance runs the auto-transition check for one work item as the
// system actor.
func handleAutoAdvance(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		advanced, err := engine.ProcessAutoTransitionsForWorkItem(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"advanced": advanced})
	}
}

func handleGetSLAStatus(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, tracked, err := engine.GetSLAStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if !tracked {
			WriteJSON(w, http.StatusOK, map[string]any{"tracked": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tracked": true, "status": status})
	}
}

// advanceStatus answers 202 while an approval is outstanding.
func advanceStatus(res workflow.AdvanceResult) int {
	if res.Status == workflow.StatusApprovalPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, model.NewBadRequestError(key + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func handleGetWorkItem(items workitem.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := items.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, it)
	}
}

// handlePutWorkItem registers or refreshes the priority signals of a work
// item on behalf of the system that owns it.
func handlePutWorkItem(items workitem.Repository, engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := model.ValidateWorkItemID(id); err != nil {
			WriteError(w, r, err)
			return
		}
		var it model.WorkItem
		if err := decodeJSON(w, r, &it); err != nil {
			WriteError(w, r, err)
			return
		}
		it.ID = id
		if it.CreatedAt.IsZero() {
			it.CreatedAt = engine.Now()
		}
		if err := items.Save(r.Context(), it); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, it)
	}
}
