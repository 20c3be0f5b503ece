package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/model"
)

// Configuration admin handlers. Scope comes from the body on writes and from
// the scope query parameter on reads and deletes; "" is the global scope.

func handleListStages(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := registry.Snapshot()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     snap.Stages(r.URL.Query().Get("scope")),
			"version":  snap.Version(),
			"checksum": snap.Checksum(),
		})
	}
}

func handleListTransitions(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := registry.Snapshot()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     snap.Transitions(r.URL.Query().Get("scope")),
			"version":  snap.Version(),
			"checksum": snap.Checksum(),
		})
	}
}

func handleCreateStage(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st model.Stage
		if err := decodeJSON(w, r, &st); err != nil {
			WriteError(w, r, err)
			return
		}
		out, err := store.CreateStage(r.Context(), model.MustActor(r.Context()), st)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, out)
	}
}

func handleUpdateStage(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st model.Stage
		if err := decodeJSON(w, r, &st); err != nil {
			WriteError(w, r, err)
			return
		}
		st.ID = chi.URLParam(r, "stageId")
		out, err := store.UpdateStage(r.Context(), model.MustActor(r.Context()), st)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleDeleteStage(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := store.DeleteStage(r.Context(), model.MustActor(r.Context()),
			r.URL.Query().Get("scope"), chi.URLParam(r, "stageId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCreateTransition(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t model.Transition
		if err := decodeJSON(w, r, &t); err != nil {
			WriteError(w, r, err)
			return
		}
		out, err := store.CreateTransition(r.Context(), model.MustActor(r.Context()), t)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, out)
	}
}

func handleUpdateTransition(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t model.Transition
		if err := decodeJSON(w, r, &t); err != nil {
			WriteError(w, r, err)
			return
		}
		t.ID = chi.URLParam(r, "transitionId")
		out, err := store.UpdateTransition(r.Context(), model.MustActor(r.Context()), t)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleDeleteTransition(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := store.DeleteTransition(r.Context(), model.MustActor(r.Context()),
			r.URL.Query().Get("scope"), chi.URLParam(r, "transitionId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleConfigHistory(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := store.History(r.Context(), r.URL.Query().Get("scope"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if events == nil {
			events = []model.WorkflowEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleValidateConfig(store *definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		errs := store.Validate(r.URL.Query().Get("scope"))
		if errs == nil {
			errs = []definition.VError{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"valid": len(errs) == 0, "errors": errs})
	}
}
