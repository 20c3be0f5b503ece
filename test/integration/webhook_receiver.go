package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/stageflow/model"
)

// WebhookReceiver is an HTTP test server that plays the messaging service.
// It records every notification it accepts and can be told to answer with
// a fixed status.
type WebhookReceiver struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	status   int
	received []RecordedNotification
	attempts int
}

// RecordedNotification captures one accepted delivery.
type RecordedNotification struct {
	Notification   model.Notification
	IdempotencyKey string
	CorrelationID  string
	ReceivedAt     time.Time
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()
	wr := &WebhookReceiver{t: t, status: http.StatusNoContent}
	wr.server = httptest.NewServer(http.HandlerFunc(wr.handle))
	t.Cleanup(wr.server.Close)
	return wr
}

// URL returns the receiver's endpoint.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL + "/notifications"
}

// RespondWith makes every following delivery answer with status.
func (wr *WebhookReceiver) RespondWith(status int) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.status = status
}

// Attempts returns the number of deliveries tried, accepted or not.
func (wr *WebhookReceiver) Attempts() int {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.attempts
}

// Received returns a copy of the accepted notifications.
func (wr *WebhookReceiver) Received() []RecordedNotification {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	out := make([]RecordedNotification, len(wr.received))
	copy(out, wr.received)
	return out
}

// WithTemplate returns the accepted notifications using template.
func (wr *WebhookReceiver) WithTemplate(template string) []RecordedNotification {
	var out []RecordedNotification
	for _, rn := range wr.Received() {
		if rn.Notification.Template == template {
			out = append(out, rn)
		}
	}
	return out
}

// WaitFor blocks until at least n notifications using template have been
// accepted, failing the test after timeout.
func (wr *WebhookReceiver) WaitFor(t *testing.T, template string, n int, timeout time.Duration) []RecordedNotification {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := wr.WithTemplate(template)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d %s notifications, want %d", len(got), template, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitForAttempts blocks until at least n deliveries have been tried.
func (wr *WebhookReceiver) WaitForAttempts(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for wr.Attempts() < n {
		if time.Now().After(deadline) {
			t.Fatalf("webhook saw %d attempts, want %d", wr.Attempts(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (wr *WebhookReceiver) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.attempts++
	if wr.status >= 300 {
		w.WriteHeader(wr.status)
		return
	}

	var n model.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	wr.received = append(wr.received, RecordedNotification{
		Notification:   n,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  r.Header.Get("X-Correlation-Id"),
		ReceivedAt:     time.Now(),
	})
	w.WriteHeader(wr.status)
}
