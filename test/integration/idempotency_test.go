package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/stageflow/internal/transport"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/model"
)

// ==========================================================================
// Client Retries
// ==========================================================================

func TestIdempotency_RetriedAdvanceAppliesOnce(t *testing.T) {
	for _, sv := range storeVariants {
		t.Run(sv.name, func(t *testing.T) {
			h := NewTestHarness(t, append(sv.opts, WithWebhook())...)
			h.RegisterWorkItem(t, WorkItemFixture("wi-1", 80, 1))
			h.AssertStatus(t, h.POST("/v1/work-items/wi-1/start", nil, Requester), http.StatusCreated)

			key := map[string]string{transport.HeaderIdempotencyKey: "retry-1"}
			body := map[string]any{"target_stage": "Review"}

			var first, second workflow.AdvanceResult
			h.AssertJSON(t, h.POSTWithHeaders("/v1/work-items/wi-1/advance", body, Requester, key), http.StatusOK, &first)

			resp := h.POSTWithHeaders("/v1/work-items/wi-1/advance", body, Requester, key)
			if resp.Header.Get(transport.HeaderIdempotencyReplayed) != "true" {
				t.Error("retry was not replayed")
			}
			h.AssertJSON(t, resp, http.StatusOK, &second)
			if first.Event == nil || second.Event == nil || first.Event.ID != second.Event.ID {
				t.Errorf("retry produced a different event: %s vs %s", FormatJSON(first.Event), FormatJSON(second.Event))
			}

			if state := getState(t, h, "wi-1"); state.Version != 2 {
				t.Errorf("version = %d, want 2", state.Version)
			}

			// The single dispatch worker delivers in order, so a duplicate
			// Review notification would arrive before this one.
			h.AssertStatus(t, h.POST("/v1/work-items/wi-1/advance", map[string]any{"target_stage": "Approved"}, Reviewer), http.StatusOK)
			h.Webhook().WaitForAttempts(t, 2, 5*time.Second)
			if got := h.Webhook().Attempts(); got != 2 {
				t.Errorf("webhook attempts = %d, want 2", got)
			}
		})
	}
}

func TestIdempotency_KeyReuseWithDifferentBody(t *testing.T) {
	h := NewTestHarness(t)
	h.RegisterWorkItem(t, WorkItemFixture("wi-1", 80, 1))
	startAndReview(t, h, "wi-1")

	key := map[string]string{transport.HeaderIdempotencyKey: "decide-1"}
	h.AssertStatus(t, h.POSTWithHeaders("/v1/work-items/wi-1/advance",
		map[string]any{"target_stage": "Approved"}, Reviewer, key), http.StatusOK)

	h.AssertErrorCode(t, h.POSTWithHeaders("/v1/work-items/wi-1/advance",
		map[string]any{"target_stage": "Rejected"}, Reviewer, key), http.StatusConflict, model.ErrIdempotencyConflict)

	// Keys are scoped to the caller.
	h.AssertErrorCode(t, h.POSTWithHeaders("/v1/work-items/wi-1/advance",
		map[string]any{"target_stage": "Rejected"}, Requester, key), http.StatusUnprocessableEntity, model.ErrTransitionNotAllowed)
}
