// Package seeder creates a development API key so the gateway is usable
// immediately after a fresh database comes up.
package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/ndhoang/tts-gateway/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
)

func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	h := sha256.Sum256([]byte(TestAPIKey))

	apiKey := &auth.APIKey{
		TenantID: TestTenantID,
		KeyHash:  hex.EncodeToString(h[:]),
		// Generous so local load tests hit provider limits, not admission.
		RateCapacity:        100000,
		RateRefillPerMinute: 100000,
		Active:              true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("test API key may already exist, skipping", "error", err)
		return
	}
	logger.Info("test API key created", "key", TestAPIKey, "tenant_id", TestTenantID)
}
