package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ndhoang/tts-gateway/internal/health"
	"github.com/ndhoang/tts-gateway/internal/provider"
)

// ErrNoProviderAvailable means no candidate covered the request's capability
// set, or every eligible circuit was open. Fails fast, no network call made.
var ErrNoProviderAvailable = errors.New("no provider available")

// Decision is the per-request routing outcome, kept for logging only.
type Decision struct {
	Provider  string
	Fallbacks []string
	Attempts  int
	Reason    string
}

// Router selects a healthy provider per request and manages fallback within
// the internal retry budget. It holds no per-request state; all shared state
// lives in the tracker.
type Router struct {
	providers      []provider.Provider
	tracker        *health.Tracker
	retryBudget    int
	attemptTimeout time.Duration
	logger         *slog.Logger
}

func NewRouter(providers []provider.Provider, tracker *health.Tracker, retryBudget int, attemptTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 60 * time.Second
	}
	return &Router{
		providers:      providers,
		tracker:        tracker,
		retryBudget:    retryBudget,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}
}

// Providers exposes the registered adapters for the operator endpoint.
func (r *Router) Providers() []provider.Provider { return r.providers }

// Tracker exposes circuit states for metrics and the operator endpoint.
func (r *Router) Tracker() *health.Tracker { return r.tracker }

// Synthesize routes one logical request. The same req (and thus the same
// correlation id) is handed to every fallback attempt. Transient failures
// consume the retry budget; a client error surfaces immediately.
func (r *Router) Synthesize(ctx context.Context, req *provider.Request) (*provider.Response, Decision, error) {
	order := r.candidates(req)
	decision := Decision{Fallbacks: names(order)}

	if len(order) == 0 {
		decision.Reason = "no_candidates"
		return nil, decision, ErrNoProviderAvailable
	}

	attempts := r.retryBudget + 1
	var lastErr error

	for _, p := range order {
		if decision.Attempts >= attempts {
			break
		}
		if err := ctx.Err(); err != nil {
			decision.Reason = "cancelled"
			return nil, decision, err
		}

		report, err := r.tracker.Acquire(p.Name())
		if err != nil {
			// Circuit opened since filtering, or the half-open probe slot is
			// taken. Skip without consuming the retry budget.
			continue
		}
		decision.Attempts++
		decision.Provider = p.Name()

		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		resp, err := p.Synthesize(attemptCtx, req)
		cancel()

		// A caller disconnect mid-call says nothing about the provider's
		// health. Neutralize it the same way client errors are, then stop.
		if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled) {
			report(provider.KindSuccess)
			decision.Reason = "cancelled"
			return nil, decision, context.Canceled
		}

		kind := provider.KindOf(err)
		// Outcome feedback lands before the next candidate is considered.
		report(kind)

		if err == nil {
			if decision.Attempts > 1 {
				decision.Reason = "fallback"
			} else {
				decision.Reason = "primary"
			}
			return resp, decision, nil
		}

		r.logger.Warn("provider attempt failed",
			"request_id", req.RequestID,
			"provider", p.Name(),
			"outcome", kind.String(),
			"error", err,
		)

		if kind == provider.KindClient {
			decision.Reason = "client_error"
			return nil, decision, err
		}
		lastErr = err
	}

	if lastErr != nil {
		decision.Reason = "exhausted"
		return nil, decision, lastErr
	}
	decision.Reason = "no_candidates"
	return nil, decision, ErrNoProviderAvailable
}

// candidates filters by capability and circuit state, orders closed circuits
// by a weighted-random head followed by descending weight, and appends
// half-open circuits as last resort.
func (r *Router) candidates(req *provider.Request) []provider.Provider {
	var closed, halfOpen []provider.Provider
	for _, p := range r.providers {
		if !p.SupportsFormat(req.Format) || !p.SupportsVoice(req.Voice) {
			continue
		}
		switch r.tracker.State(p.Name()) {
		case gobreaker.StateOpen:
			continue
		case gobreaker.StateHalfOpen:
			halfOpen = append(halfOpen, p)
		default:
			closed = append(closed, p)
		}
	}
	return append(weightedOrder(closed), halfOpen...)
}

func weightedOrder(candidates []provider.Provider) []provider.Provider {
	if len(candidates) <= 1 {
		return candidates
	}

	total := 0
	for _, p := range candidates {
		total += p.Weight()
	}
	pick := rand.Intn(total)
	var head provider.Provider
	for _, p := range candidates {
		pick -= p.Weight()
		if pick < 0 {
			head = p
			break
		}
	}

	rest := make([]provider.Provider, 0, len(candidates)-1)
	for _, p := range candidates {
		if p != head {
			rest = append(rest, p)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Weight() > rest[j].Weight() })

	return append([]provider.Provider{head}, rest...)
}

func names(providers []provider.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.Name()
	}
	return out
}
