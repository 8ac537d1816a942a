package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"stakegate/observability"
	"stakegate/services/stakegate/models"
)

// HeaderIdempotencyKey carries the client-chosen idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderReplayed marks a response served from a stored result.
const HeaderReplayed = "Idempotent-Replayed"

const maxKeyLength = 128

type contextKey string

const contextKeyIdempotency contextKey = "idempotency-key"

// KeyFromContext returns the idempotency key of the request, if any.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// reservationTTL bounds how long an unfinished reservation blocks its key.
// Older reservations belong to a request that never completed.
const reservationTTL = 2 * time.Minute

// WithIdempotency replays the stored response for a repeated
// Idempotency-Key. The key is reserved before the handler runs, so a
// concurrent duplicate is answered with 409 instead of running twice. A key
// reused with a different method, path or body is rejected. Server errors
// release the key so the client may retry them.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "idempotency key too long", "code": "invalid_request"})
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body", "code": "invalid_request"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := requestHash(r.Method, r.URL.Path, body)

			reservation := models.IdempotencyKey{
				Key:         key,
				RequestID:   chimw.GetReqID(r.Context()),
				Method:      r.Method,
				Path:        r.URL.Path,
				RequestHash: hash,
				CreatedAt:   time.Now().UTC(),
			}
			owned, existing, err := reserve(r.Context(), db, &reservation)
			if err != nil {
				logger.Error("idempotency reservation failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "idempotency store unavailable", "code": "unavailable"})
				return
			}
			if !owned {
				replay(w, existing, hash)
				return
			}

			store := db.WithContext(context.WithoutCancel(r.Context())).Model(&models.IdempotencyKey{}).
				Where("key = ? AND status = 0", key).Session(&gorm.Session{})
			completed := false
			defer func() {
				if completed {
					return
				}
				if err := store.Delete(&models.IdempotencyKey{}).Error; err != nil {
					logger.Warn("idempotency release failed", "error", err)
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			completed = true
			if err := store.Updates(map[string]interface{}{
				"status":   recorder.status,
				"response": recorder.buf.String(),
			}).Error; err != nil {
				logger.Warn("idempotency store failed", "error", err)
			}
		})
	}
}

// reserve claims the key for this request. When the key is taken by a live
// reservation or a completed request, that record is returned instead.
func reserve(ctx context.Context, db *gorm.DB, rec *models.IdempotencyKey) (bool, *models.IdempotencyKey, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}
	res = db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ? AND status = 0 AND request_hash = ? AND created_at < ?", rec.Key, rec.RequestHash, rec.CreatedAt.Add(-reservationTTL)).
		Updates(map[string]interface{}{"request_id": rec.RequestID, "created_at": rec.CreatedAt})
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}
	var existing models.IdempotencyKey
	if err := db.WithContext(ctx).First(&existing, "key = ?", rec.Key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Released between the insert and the read; the client may retry.
			return false, &models.IdempotencyKey{Key: rec.Key, RequestHash: rec.RequestHash}, nil
		}
		return false, nil, err
	}
	return false, &existing, nil
}

func replay(w http.ResponseWriter, record *models.IdempotencyKey, hash string) {
	switch {
	case record.RequestHash != hash:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "idempotency key reused with a different request",
			"code":  "idempotency_conflict",
		})
	case record.Status == 0:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "a request with this idempotency key is still in progress",
			"code":  "idempotency_in_progress",
		})
	default:
		observability.StakeGate().RecordReplay("http")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(record.Status)
		_, _ = io.WriteString(w, record.Response)
	}
}

func requestHash(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder captures the response for later replay.
type responseRecorder struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (rr *responseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
