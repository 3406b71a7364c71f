// Package auth authenticates callers by bearer API key and binds the tenant
// identity (plus optional per-tenant rate overrides) to the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = errors.New("api key not found")

type APIKey struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	KeyHash  string `json:"key_hash"`
	// Optional per-tenant admission override; zero means the gateway default.
	RateCapacity        int64     `json:"rate_capacity"`
	RateRefillPerMinute int64     `json:"rate_refill_per_minute"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
	quotaKey     contextKey = "rate_quota"
)

const cacheTTL = 5 * time.Minute

// NewMiddleware authenticates requests against the key store with a Redis
// read-through cache. cache may be nil (store-only lookups, used in tests).
func NewMiddleware(store Store, cache *redis.Client, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Correlation id exists before anything else runs; the handler
			// may replace it with a caller-supplied one.
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, "missing or invalid Authorization header")
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			apiKey, err := lookup(ctx, store, cache, key, logger)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeAuthError(w, "invalid API key")
					return
				}
				logger.Error("auth lookup failed", "request_id", requestID, "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"message": "internal error", "type": "internal_error"},
				})
				return
			}

			ctx = context.WithValue(ctx, tenantIDKey, apiKey.TenantID)
			ctx = context.WithValue(ctx, apiKeyIDKey, apiKey.ID)
			if apiKey.RateCapacity > 0 && apiKey.RateRefillPerMinute > 0 {
				ctx = context.WithValue(ctx, quotaKey, [2]int64{apiKey.RateCapacity, apiKey.RateRefillPerMinute})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func lookup(ctx context.Context, store Store, cache *redis.Client, key string, logger *slog.Logger) (*APIKey, error) {
	var redisKey string
	if cache != nil {
		h := sha256.Sum256([]byte(key))
		redisKey = fmt.Sprintf("auth:%s", hex.EncodeToString(h[:]))

		var cached APIKey
		err := cache.Get(ctx, redisKey).Scan(&cached)
		if err == nil {
			return &cached, nil
		}
		if err != redis.Nil {
			logger.Warn("auth cache read failed", "error", err)
		}
	}

	apiKey, err := store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.Set(ctx, redisKey, apiKey, cacheTTL).Err(); err != nil {
			logger.Warn("auth cache write failed", "error", err)
		}
	}
	return apiKey, nil
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "auth_error"},
	})
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetQuotaOverride returns the per-tenant (capacity, refill-per-minute) pair
// carried by the API key, or ok=false when the gateway default applies.
func GetQuotaOverride(ctx context.Context) (capacity, refillPerMinute int64, ok bool) {
	if q, found := ctx.Value(quotaKey).([2]int64); found {
		return q[0], q[1], true
	}
	return 0, 0, false
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithQuotaOverride(ctx context.Context, capacity, refillPerMinute int64) context.Context {
	return context.WithValue(ctx, quotaKey, [2]int64{capacity, refillPerMinute})
}
