package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// Sink delivers a single notification to the messaging collaborator.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n model.Notification) error
}

// permanentError marks a delivery the collaborator refused. It is not an
// infrastructure failure and does not count against the circuit breaker.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// LogSink writes notifications to the logger. It is the default sink when no
// messaging collaborator is configured.
type LogSink struct {
	logger          *zap.Logger
	sensitiveFields []string
}

// NewLogSink creates a sink that logs at info level. Context fields named in
// sensitiveFields are redacted along with the default sensitive names.
func NewLogSink(logger *zap.Logger, sensitiveFields ...string) *LogSink {
	return &LogSink{logger: logger, sensitiveFields: sensitiveFields}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, n model.Notification) error {
	s.logger.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("template", n.Template),
		zap.String("recipient", n.Recipient),
		zap.String("work_item_id", n.WorkItemID),
		zap.String("correlation_id", n.CorrelationID),
		zap.Any("context", observability.Redact(n.Context, s.sensitiveFields...)),
	)
	return nil
}

// WebhookSink posts each notification as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. A zero timeout defaults to 5s.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink. 5xx responses and transport errors are failures;
// 4xx responses are permanent refusals.
func (s *WebhookSink) Deliver(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return &permanentError{fmt.Errorf("notify: encode notification: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("notify: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if n.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", n.CorrelationID)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &permanentError{fmt.Errorf("notify: webhook refused notification with %d", resp.StatusCode)}
	}
	return nil
}

// RedisSink publishes each notification as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.Cmdable
	channel string
}

// NewRedisSink creates a pub/sub sink.
func NewRedisSink(client redis.Cmdable, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Deliver implements Sink.
func (s *RedisSink) Deliver(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return &permanentError{fmt.Errorf("notify: encode notification: %w", err)}
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", s.channel, err)
	}
	return nil
}
