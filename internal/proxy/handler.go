package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ndhoang/tts-gateway/internal/auth"
	"github.com/ndhoang/tts-gateway/internal/provider"
	"github.com/ndhoang/tts-gateway/internal/telemetry"
	"github.com/ndhoang/tts-gateway/internal/usage"
	"github.com/ndhoang/tts-gateway/pkg/ratelimit"
)

// Error type strings surfaced in the standardized error body. Callers can
// distinguish retryable from non-retryable purely from the status class.
const (
	errTypeValidation     = "validation_error"
	errTypeAuth           = "auth_error"
	errTypeRateLimit      = "rate_limit_exceeded"
	errTypeNoProvider     = "no_provider_available"
	errTypeProviderClient = "provider_client_error"
	errTypeProviderFault  = "provider_transient_error"
	errTypeTimeout        = "provider_timeout"
	errTypeInternal       = "internal_error"
)

type Handler struct {
	pipeline atomic.Pointer[Pipeline]
	usage    usage.Store
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

func NewHandler(p *Pipeline, usageStore usage.Store, tracer trace.Tracer, metrics *telemetry.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("tts-gateway")
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	h := &Handler{
		usage:   usageStore,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
	h.pipeline.Store(p)
	return h
}

// Swap atomically replaces the pipeline after a config reload. In-flight
// requests keep the pipeline they loaded at request start.
func (h *Handler) Swap(p *Pipeline) {
	old := h.pipeline.Swap(p)
	h.logger.Info("pipeline swapped", "old_version", old.Version, "new_version", p.Version)
}

// Current returns the live pipeline, mainly for the operator endpoints.
func (h *Handler) Current() *Pipeline {
	return h.pipeline.Load()
}

// HandleGenerate serves POST /api/generate: form-encoded synthesis request in,
// raw audio bytes out.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	p := h.pipeline.Load()
	ctx := r.Context()
	start := time.Now()

	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, errTypeAuth, "unauthorized")
		return
	}

	maxChars := p.Config.Server.MaxInputChars
	// UTF-8 worst case plus form-field overhead.
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxChars)*4+8192)

	req, requestID, verr := h.parseRequest(r, maxChars)
	if verr != "" {
		writeError(w, http.StatusBadRequest, errTypeValidation, verr)
		return
	}
	w.Header().Set("X-Request-ID", requestID)
	req.TenantID = tenantID
	req.RequestID = requestID

	logger := h.logger.With("request_id", requestID, "tenant_id", tenantID)

	ctx, span := h.tracer.Start(ctx, "gateway.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("voice", req.Voice),
		attribute.String("format", string(req.Format)),
	)

	var override *ratelimit.Quota
	if capacity, refillPerMin, ok := auth.GetQuotaOverride(ctx); ok {
		override = &ratelimit.Quota{Capacity: capacity, RefillPerSec: float64(refillPerMin) / 60}
	}
	if res := p.Limiter.Allow(tenantID, override); !res.Allowed {
		h.metrics.RecordRateLimited(res.Scope)
		logger.Info("request rejected by rate limiter", "scope", res.Scope, "retry_after", res.RetryAfter)
		writeRetryError(w, http.StatusTooManyRequests, errTypeRateLimit,
			"rate limit exceeded for "+res.Scope+" bucket", res.RetryAfter)
		return
	}

	resp, decision, err := p.Router.Synthesize(ctx, req)
	latency := time.Since(start)
	h.metrics.ObserveCircuits(p.Router.Tracker().States())

	if err != nil {
		h.finishError(w, logger, p, req, decision, err, latency)
		return
	}

	h.metrics.RecordRequest(resp.Provider, tenantID, "success", latency, len(resp.Audio))
	h.logUsage(req, resp.Provider, "success", len(resp.Audio), latency)
	logger.Info("synthesis complete",
		"provider", resp.Provider,
		"outcome", "success",
		"reason", decision.Reason,
		"attempts", decision.Attempts,
		"audio_bytes", len(resp.Audio),
		"latency_ms", latency.Milliseconds(),
	)

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Audio)
}

// parseRequest validates the form into a SynthRequest-shaped provider.Request
// and resolves the correlation id. Validation happens before the rate limiter
// or router see the request.
func (h *Handler) parseRequest(r *http.Request, maxChars int) (*provider.Request, string, string) {
	if err := r.ParseForm(); err != nil {
		return nil, "", "malformed form body"
	}

	requestID := auth.GetRequestID(r.Context())
	if gen := r.PostFormValue("generation"); gen != "" {
		if _, err := uuid.Parse(gen); err != nil {
			return nil, "", "generation must be a valid UUID"
		}
		requestID = gen
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	input := r.PostFormValue("input")
	if strings.TrimSpace(input) == "" {
		return nil, "", "input is required"
	}
	if n := utf8.RuneCountInString(input); n > maxChars {
		return nil, "", "input exceeds " + strconv.Itoa(maxChars) + " characters"
	}

	voice := r.PostFormValue("voice")
	if voice == "" {
		return nil, "", "voice is required"
	}

	format, err := provider.ParseFormat(r.PostFormValue("response_format"))
	if err != nil {
		return nil, "", err.Error()
	}

	return &provider.Request{
		Input:  input,
		Voice:  voice,
		Format: format,
		Prompt: r.PostFormValue("prompt"),
	}, requestID, ""
}

func (h *Handler) finishError(w http.ResponseWriter, logger *slog.Logger, p *Pipeline, req *provider.Request, decision Decision, err error, latency time.Duration) {
	kind := provider.KindOf(err)

	if errors.Is(err, context.Canceled) {
		// Caller went away; nothing useful can be written.
		logger.Info("request cancelled by caller", "provider", decision.Provider, "latency_ms", latency.Milliseconds())
		return
	}

	outcome := kind.String()
	if errors.Is(err, ErrNoProviderAvailable) {
		outcome = "no_provider"
	}
	h.metrics.RecordRequest(decision.Provider, req.TenantID, outcome, latency, 0)
	if decision.Provider != "" && kind != provider.KindSuccess {
		h.metrics.RecordProviderError(decision.Provider, kind.String())
	}
	h.logUsage(req, decision.Provider, outcome, 0, latency)
	logger.Warn("synthesis failed",
		"provider", decision.Provider,
		"outcome", outcome,
		"reason", decision.Reason,
		"attempts", decision.Attempts,
		"latency_ms", latency.Milliseconds(),
		"error", err,
	)

	switch {
	case errors.Is(err, ErrNoProviderAvailable):
		writeRetryError(w, http.StatusServiceUnavailable, errTypeNoProvider,
			"no provider available for this request", p.Config.Breaker.Cooldown.Std())
	case kind == provider.KindClient:
		writeError(w, http.StatusBadRequest, errTypeProviderClient, err.Error())
	case kind == provider.KindTimeout:
		writeError(w, http.StatusGatewayTimeout, errTypeTimeout, "synthesis timed out")
	default:
		writeError(w, http.StatusBadGateway, errTypeProviderFault, "all synthesis attempts failed")
	}
}

func (h *Handler) logUsage(req *provider.Request, providerName, outcome string, audioBytes int, latency time.Duration) {
	if h.usage == nil {
		return
	}
	rec := &usage.Record{
		TenantID:   req.TenantID,
		RequestID:  req.RequestID,
		Provider:   providerName,
		Voice:      req.Voice,
		Format:     string(req.Format),
		Outcome:    outcome,
		InputChars: utf8.RuneCountInString(req.Input),
		AudioBytes: audioBytes,
		LatencyMs:  latency.Milliseconds(),
	}
	go func() {
		if err := h.usage.Log(context.Background(), rec); err != nil {
			h.logger.Error("usage log failed", "request_id", rec.RequestID, "error", err)
		}
	}()
}

// HandleUsage serves GET /v1/usage with per-tenant accounting.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, errTypeAuth, "unauthorized")
		return
	}
	if h.usage == nil {
		writeError(w, http.StatusServiceUnavailable, errTypeInternal, "usage store not configured")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, errTypeValidation, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, errTypeValidation, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.usage.GetByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}
	requests, audioBytes, err := h.usage.GetTotalsByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id":         tenantID,
		"total_requests":    requests,
		"total_audio_bytes": audioBytes,
		"records":           records,
		"from":              from,
		"to":                to,
	})
}

// HandleProviders serves GET /v1/providers: the live circuit/weight view.
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	p := h.pipeline.Load()
	states := p.Router.Tracker().States()

	type providerView struct {
		Name    string   `json:"name"`
		Weight  int      `json:"weight"`
		State   string   `json:"state"`
		Formats []string `json:"formats"`
	}

	views := make([]providerView, 0, len(p.Router.Providers()))
	for _, prov := range p.Router.Providers() {
		var formats []string
		for _, f := range provider.AllFormats() {
			if prov.SupportsFormat(f) {
				formats = append(formats, string(f))
			}
		}
		views = append(views, providerView{
			Name:    prov.Name(),
			Weight:  prov.Weight(),
			State:   states[prov.Name()].String(),
			Formats: formats,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"config_version": p.Version,
		"providers":      views,
	})
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

func writeRetryError(w http.ResponseWriter, status int, errType, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, status, errType, message)
}
