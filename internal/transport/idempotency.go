package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// Idempotency headers.
const (
	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotencyReplayed = "Idempotent-Replayed"
)

// maxIdempotentBody bounds the request body hashed for an idempotent call.
const maxIdempotentBody = 1 << 20

// Idempotent replays the recorded reply when a request repeats an
// Idempotency-Key it already used. Reusing a key with a different body is a
// conflict. Replies of 500 and above are not recorded so the caller can
// retry. Requests without the header pass straight through. It must run
// after ResolveActor.
func Idempotent(store idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderIdempotencyKey)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			actorID := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				actorID = rctx.Actor.ID
			}
			key := idempotency.FormatKey(actorID, r.URL.Path, clientKey)
			hash := requestHash(r.Method, r.URL.Path, body)
			logger := observability.RequestLogger(r.Context(), zap.NewNop())

			prev, found, err := store.Check(r.Context(), key, hash)
			if err != nil {
				if model.IsCode(err, model.ErrIdempotencyConflict) {
					WriteError(w, r, err)
					return
				}
				// An unreachable store degrades to at-least-once.
				logger.Warn("idempotency lookup failed", zap.String("key", clientKey), zap.Error(err))
			}
			if found && prev != nil {
				w.Header().Set(HeaderIdempotencyReplayed, "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(prev.Status)
				w.Write(prev.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{Status: rec.status, Body: rec.body.Bytes()}
			if err := store.Store(r.Context(), key, hash, resp, ttl); err != nil {
				logger.Warn("idempotency record failed", zap.String("key", clientKey), zap.Error(err))
			}
		})
	}
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recordingWriter passes the reply through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
