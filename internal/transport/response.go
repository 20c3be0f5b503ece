// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrForbidden:              http.StatusForbidden,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrTransitionNotAllowed:   http.StatusUnprocessableEntity,
	model.ErrConcurrentModification: http.StatusConflict,
	model.ErrVersionConflict:        http.StatusConflict,
	model.ErrConfigurationInUse:     http.StatusConflict,
	model.ErrConfigurationInvalid:   http.StatusUnprocessableEntity,
	model.ErrPersistence:            http.StatusServiceUnavailable,
	model.ErrIdempotencyConflict:    http.StatusConflict,
	model.ErrInternal:               http.StatusInternalServerError,
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that are not envelopes become a generic 500 and are logged; their
// text never reaches the caller.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("unhandled error", zap.Error(err))
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError && ee.Code != model.ErrInternal {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
			zap.String("code", ee.Code), zap.Error(err))
	}

	out := *ee
	if out.TraceID == "" {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			out.TraceID = rctx.TraceID
		}
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

const maxBodyBytes = 1 << 20
