package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 128
)

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response when an authenticated caller repeats
// a request with the same Idempotency-Key. Only 2xx responses are stored.
// Requests without the header pass through.
func Idempotency(cache ports.IdempotencyCache, operation string, ttl time.Duration, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		p, ok := GetPrincipal(c)
		if key == "" || !ok || len(key) > maxIdempotencyKeyLen {
			c.Next()
			return
		}

		cacheKey := domain.BuildIdempotencyKey(p.UserID, operation, key)
		cached, err := cache.Get(c.Request.Context(), cacheKey)
		if err != nil {
			log.Warn().Err(err).Str("operation", operation).Msg("idempotency lookup failed, processing request")
		} else if cached != nil {
			var prev cachedResponse
			if err := json.Unmarshal(cached, &prev); err == nil {
				c.Header(HeaderReplayed, "true")
				c.Data(prev.Status, "application/json; charset=utf-8", prev.Body)
				c.Abort()
				return
			}
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return
		}
		stored, err := json.Marshal(cachedResponse{Status: status, Body: rec.buf.Bytes()})
		if err != nil {
			return
		}
		if err := cache.Set(c.Request.Context(), cacheKey, stored, ttl); err != nil {
			log.Warn().Err(err).Str("operation", operation).Msg("failed to store idempotent response")
		}
	}
}
