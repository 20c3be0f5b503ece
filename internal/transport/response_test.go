package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/stageflow/model"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return resp.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, model.DerivedState{WorkItemID: "wi-1", CurrentStage: "Intake"})

	if w.Code != http.StatusCreated || w.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	var state model.DerivedState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil || state.CurrentStage != "Intake" {
		t.Errorf("body = %+v, %v", state, err)
	}

	w = httptest.NewRecorder()
	WriteJSON(w, http.StatusNoContent, nil)
	if w.Body.Len() != 0 {
		t.Errorf("nil body wrote %q", w.Body)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string
	}{
		{"envelope", model.NewNotFoundError("work item not found"), http.StatusNotFound, model.ErrNotFound, "work item not found"},
		{"wrapped envelope", fmt.Errorf("advance: %w", model.NewConcurrentModificationError("stale")), http.StatusConflict, model.ErrConcurrentModification, "stale"},
		{"raw error hides cause", fmt.Errorf("dial tcp 10.0.0.1:5432: refused"), http.StatusInternalServerError, model.ErrInternal, "An unexpected error occurred"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest("POST", "/v1/work-items/wi-1/advance", nil), tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			ee := decodeEnvelope(t, w)
			if ee.Code != tt.code || ee.Message != tt.msg {
				t.Errorf("envelope = %s %q", ee.Code, ee.Message)
			}
		})
	}
}

func TestWriteError_traceIDFromRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{
		Actor:         model.Actor{ID: "ravi"},
		CorrelationID: "corr-1",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
	}))
	w := httptest.NewRecorder()
	WriteError(w, req, model.NewTransitionNotAllowedError("no edge"))

	if ee := decodeEnvelope(t, w); ee.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace_id = %q", ee.TraceID)
	}
}

func TestWriteError_statusPerCode(t *testing.T) {
	want := map[string]int{
		model.ErrBadRequest:             400,
		model.ErrUnauthorized:           401,
		model.ErrForbidden:              403,
		model.ErrNotFound:               404,
		model.ErrTransitionNotAllowed:   422,
		model.ErrConcurrentModification: 409,
		model.ErrVersionConflict:        409,
		model.ErrConfigurationInUse:     409,
		model.ErrConfigurationInvalid:   422,
		model.ErrPersistence:            503,
		model.ErrIdempotencyConflict:    409,
		model.ErrInternal:               500,
		"SOMETHING_NEW":                 500,
	}
	for code, status := range want {
		w := httptest.NewRecorder()
		WriteError(w, httptest.NewRequest("GET", "/", nil), &model.ErrorEnvelope{Code: code, Message: "x"})
		if w.Code != status {
			t.Errorf("%s = %d, want %d", code, w.Code, status)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type advance struct {
		TargetStage string `json:"target_stage"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"target_stage":"Review"}`, false},
		{"unknown field", `{"target_stage":"Review","force":true}`, true},
		{"malformed", `{"target_stage":`, true},
		{"oversized", `{"target_stage":"` + strings.Repeat("a", maxBodyBytes) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v advance
			err := decodeJSON(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader(tt.body)), &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !model.IsCode(err, model.ErrBadRequest) {
				t.Errorf("error code = %s", model.CodeOf(err))
			}
		})
	}
}
