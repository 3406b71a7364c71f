package proxy

import (
	"log/slog"

	"github.com/ndhoang/tts-gateway/config"
	"github.com/ndhoang/tts-gateway/internal/health"
	"github.com/ndhoang/tts-gateway/internal/provider"
	"github.com/ndhoang/tts-gateway/pkg/ratelimit"
)

// Pipeline is the runtime built from one config snapshot: adapters, circuit
// tracker, admission buckets and router. A reload builds a fresh pipeline and
// swaps it in whole; requests already running keep the one they captured.
type Pipeline struct {
	Version int64
	Config  *config.Config
	Router  *Router
	Limiter *ratelimit.Limiter
}

// NewPipeline wires a snapshot and its constructed adapters together.
// Breaker and bucket state start fresh; carrying them across provider-set
// changes has no sound meaning.
func NewPipeline(snap *config.Snapshot, providers []provider.Provider, logger *slog.Logger) *Pipeline {
	cfg := snap.Config

	providerNames := make([]string, len(providers))
	for i, p := range providers {
		providerNames[i] = p.Name()
	}

	tracker := health.NewTracker(providerNames, health.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window.Std(),
		Cooldown:         cfg.Breaker.Cooldown.Std(),
	})

	limiter := ratelimit.NewLimiter(
		ratelimit.Quota{
			Capacity:     cfg.RateLimit.Global.Capacity,
			RefillPerSec: cfg.RateLimit.Global.RefillPerSec(),
		},
		ratelimit.Quota{
			Capacity:     cfg.RateLimit.TenantDefault.Capacity,
			RefillPerSec: cfg.RateLimit.TenantDefault.RefillPerSec(),
		},
	)

	router := NewRouter(providers, tracker, cfg.Router.RetryBudget, cfg.Router.AttemptTimeout.Std(), logger)

	return &Pipeline{
		Version: snap.Version,
		Config:  cfg,
		Router:  router,
		Limiter: limiter,
	}
}
