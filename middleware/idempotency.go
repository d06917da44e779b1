package middleware

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payday/auth"
	"payday/models"
)

type idempotencyContextKey struct{}

// Idempotency returns middleware that replays the stored response when the
// authenticated user repeats an Idempotency-Key, so money-moving endpoints
// execute at most once per user and key. Keys are scoped to the caller: the
// same key sent by a different user runs the handler and stores its own
// response.
func Idempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := auth.UserID(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}

			var record models.IdempotencyKey
			if err := db.First(&record, "user_id = ? AND key = ?", userID, key).Error; err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}

			capture := &captureWriter{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), idempotencyContextKey{}, key)
			next.ServeHTTP(capture, r.WithContext(ctx))

			stored := models.IdempotencyKey{
				UserID:    userID,
				Key:       key,
				RequestID: uuid.NewString(),
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    capture.status,
				Response:  capture.body.String(),
				CreatedAt: time.Now(),
			}
			if stored.Status == 0 {
				stored.Status = http.StatusOK
			}
			_ = db.Create(&stored).Error
		})
	}
}

// IdempotencyKeyFromContext returns the key attached by Idempotency.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyContextKey{}).(string)
	return key, ok && key != ""
}

// captureWriter tees the response so it can be stored for replay.
type captureWriter struct {
	http.ResponseWriter
	body   strings.Builder
	status int
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
