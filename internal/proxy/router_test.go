package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ndhoang/tts-gateway/internal/health"
	"github.com/ndhoang/tts-gateway/internal/provider"
)

type mockProvider struct {
	name    string
	weight  int
	formats []provider.Format
	voices  []string
	err     error
	synth   func(ctx context.Context, req *provider.Request) (*provider.Response, error)

	mu      sync.Mutex
	calls   int
	seenIDs []string
}

func (m *mockProvider) Synthesize(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.calls++
	m.seenIDs = append(m.seenIDs, req.RequestID)
	m.mu.Unlock()

	if m.synth != nil {
		return m.synth(ctx, req)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &provider.Response{
		Audio:       []byte("audio"),
		ContentType: req.Format.ContentType(),
		Provider:    m.name,
	}, nil
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Weight() int {
	if m.weight <= 0 {
		return 1
	}
	return m.weight
}

func (m *mockProvider) SupportsFormat(f provider.Format) bool {
	if len(m.formats) == 0 {
		return true
	}
	for _, have := range m.formats {
		if have == f {
			return true
		}
	}
	return false
}

func (m *mockProvider) SupportsVoice(v string) bool {
	if len(m.voices) == 0 {
		return true
	}
	for _, have := range m.voices {
		if have == v {
			return true
		}
	}
	return false
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func transientErr(name string) error {
	return &provider.Error{Kind: provider.KindTransient, Provider: name, Message: "upstream 500"}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(providers []provider.Provider, retryBudget int, healthCfg health.Config) *Router {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	tracker := health.NewTracker(names, healthCfg)
	return NewRouter(providers, tracker, retryBudget, 5*time.Second, testLogger())
}

func mp3Request(id string) *provider.Request {
	return &provider.Request{
		Input:     "hello world",
		Voice:     "alloy",
		Format:    provider.FormatMP3,
		RequestID: id,
	}
}

func TestSynthesize_CapabilityFilter(t *testing.T) {
	wavOnly := &mockProvider{name: "wav-only", formats: []provider.Format{provider.FormatWAV}}
	mp3 := &mockProvider{name: "mp3-capable", formats: []provider.Format{provider.FormatMP3}}
	r := newTestRouter([]provider.Provider{wavOnly, mp3}, 1, health.Config{})

	resp, _, err := r.Synthesize(context.Background(), mp3Request("req-1"))
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if resp.Provider != "mp3-capable" {
		t.Errorf("expected mp3-capable, got %s", resp.Provider)
	}
	if wavOnly.callCount() != 0 {
		t.Error("provider without format capability must not be called")
	}
}

func TestSynthesize_VoiceFilter(t *testing.T) {
	picky := &mockProvider{name: "picky", voices: []string{"onyx"}}
	anyVoice := &mockProvider{name: "any-voice"}
	r := newTestRouter([]provider.Provider{picky, anyVoice}, 0, health.Config{})

	resp, _, err := r.Synthesize(context.Background(), mp3Request("req-1"))
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if resp.Provider != "any-voice" {
		t.Errorf("expected any-voice for voice alloy, got %s", resp.Provider)
	}
}

func TestSynthesize_WeightedDistribution(t *testing.T) {
	a := &mockProvider{name: "a", weight: 3}
	b := &mockProvider{name: "b", weight: 2}
	c := &mockProvider{name: "c", weight: 1}
	r := newTestRouter([]provider.Provider{a, b, c}, 0, health.Config{})

	const n = 600
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		resp, _, err := r.Synthesize(context.Background(), mp3Request("req"))
		if err != nil {
			t.Fatalf("Synthesize failed: %v", err)
		}
		counts[resp.Provider]++
	}

	expected := map[string]float64{"a": 3.0 / 6, "b": 2.0 / 6, "c": 1.0 / 6}
	for name, want := range expected {
		got := float64(counts[name]) / n
		if got < want-0.06 || got > want+0.06 {
			t.Errorf("provider %s selected %.1f%%, want ~%.1f%%", name, got*100, want*100)
		}
	}
}

func TestSynthesize_FallbackKeepsCorrelationID(t *testing.T) {
	// Heavy weight makes the failing provider the first pick.
	bad := &mockProvider{name: "bad", weight: 1 << 20, err: transientErr("bad")}
	good := &mockProvider{name: "good", weight: 1}
	r := newTestRouter([]provider.Provider{bad, good}, 1, health.Config{})

	resp, decision, err := r.Synthesize(context.Background(), mp3Request("corr-42"))
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if resp.Provider != "good" {
		t.Fatalf("expected fallback to good, got %s", resp.Provider)
	}
	if decision.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", decision.Attempts)
	}

	for _, p := range []*mockProvider{bad, good} {
		p.mu.Lock()
		for _, id := range p.seenIDs {
			if id != "corr-42" {
				t.Errorf("provider %s saw correlation id %q, want corr-42", p.name, id)
			}
		}
		p.mu.Unlock()
	}
}

func TestSynthesize_ClientErrorNeverRetried(t *testing.T) {
	bad := &mockProvider{name: "bad", weight: 1 << 20, err: &provider.Error{
		Kind: provider.KindClient, Provider: "bad", Message: "voice rejected",
	}}
	good := &mockProvider{name: "good", weight: 1}
	r := newTestRouter([]provider.Provider{bad, good}, 3, health.Config{})

	_, _, err := r.Synthesize(context.Background(), mp3Request("req"))
	if provider.KindOf(err) != provider.KindClient {
		t.Fatalf("expected client error, got %v", err)
	}
	if good.callCount() != 0 {
		t.Error("client error must surface immediately, not fall back")
	}
	if st := r.Tracker().State("bad"); st != gobreaker.StateClosed {
		t.Errorf("client errors must leave circuit closed, got %v", st)
	}
}

func TestSynthesize_OpenProviderGetsNoCalls(t *testing.T) {
	a := &mockProvider{name: "a", weight: 10, err: transientErr("a")}
	b := &mockProvider{name: "b", weight: 1}
	r := newTestRouter([]provider.Provider{a, b}, 0, health.Config{
		FailureThreshold: 5, Window: time.Minute, Cooldown: time.Minute,
	})

	// Trip a's breaker directly through the tracker.
	for i := 0; i < 5; i++ {
		report, err := r.Tracker().Acquire("a")
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		report(provider.KindTransient)
	}
	if st := r.Tracker().State("a"); st != gobreaker.StateOpen {
		t.Fatalf("expected a open, got %v", st)
	}

	for i := 0; i < 50; i++ {
		resp, _, err := r.Synthesize(context.Background(), mp3Request("req"))
		if err != nil {
			t.Fatalf("Synthesize failed: %v", err)
		}
		if resp.Provider != "b" {
			t.Fatalf("expected b while a is open, got %s", resp.Provider)
		}
	}
	if a.callCount() != 0 {
		t.Errorf("open provider received %d calls, want 0", a.callCount())
	}
}

func TestSynthesize_RecoveryViaProbe(t *testing.T) {
	a := &mockProvider{name: "a", err: transientErr("a")}
	r := newTestRouter([]provider.Provider{a}, 0, health.Config{
		FailureThreshold: 1, Window: time.Minute, Cooldown: 50 * time.Millisecond,
	})

	// Trip the single provider.
	if _, _, err := r.Synthesize(context.Background(), mp3Request("req")); err == nil {
		t.Fatal("expected failure")
	}

	// While open: fail fast with zero adapter calls.
	callsWhenOpen := a.callCount()
	_, _, err := r.Synthesize(context.Background(), mp3Request("req"))
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable while open, got %v", err)
	}
	if a.callCount() != callsWhenOpen {
		t.Error("open circuit must not produce adapter calls")
	}

	// After cooldown the single probe runs and closes the circuit.
	time.Sleep(70 * time.Millisecond)
	a.err = nil
	resp, _, err := r.Synthesize(context.Background(), mp3Request("req"))
	if err != nil {
		t.Fatalf("probe request failed: %v", err)
	}
	if resp.Provider != "a" {
		t.Errorf("expected probe routed to a, got %s", resp.Provider)
	}
	if st := r.Tracker().State("a"); st != gobreaker.StateClosed {
		t.Errorf("successful probe should close circuit, got %v", st)
	}
}

func TestSynthesize_NoCandidates(t *testing.T) {
	wavOnly := &mockProvider{name: "wav-only", formats: []provider.Format{provider.FormatWAV}}
	r := newTestRouter([]provider.Provider{wavOnly}, 1, health.Config{})

	_, decision, err := r.Synthesize(context.Background(), mp3Request("req"))
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if decision.Reason != "no_candidates" {
		t.Errorf("reason = %q, want no_candidates", decision.Reason)
	}
}

func TestSynthesize_RetryBudgetExhausted(t *testing.T) {
	a := &mockProvider{name: "a", err: transientErr("a")}
	b := &mockProvider{name: "b", err: transientErr("b")}
	c := &mockProvider{name: "c", err: transientErr("c")}
	r := newTestRouter([]provider.Provider{a, b, c}, 1, health.Config{})

	_, decision, err := r.Synthesize(context.Background(), mp3Request("req"))
	if provider.KindOf(err) != provider.KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if decision.Attempts != 2 {
		t.Errorf("budget of 1 retry should allow 2 attempts, got %d", decision.Attempts)
	}
	if decision.Reason != "exhausted" {
		t.Errorf("reason = %q, want exhausted", decision.Reason)
	}
}

func TestSynthesize_CallerDisconnectMidCallIsNotAFault(t *testing.T) {
	blocked := &mockProvider{name: "healthy", synth: func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newTestRouter([]provider.Provider{blocked}, 0, health.Config{
		FailureThreshold: 1, Window: time.Minute, Cooldown: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, decision, err := r.Synthesize(ctx, mp3Request("req"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if decision.Reason != "cancelled" {
		t.Errorf("reason = %q, want cancelled", decision.Reason)
	}
	if st := r.Tracker().State("healthy"); st != gobreaker.StateClosed {
		t.Errorf("caller disconnect must not count against the circuit, got %v", st)
	}

	// The provider stays eligible for the next caller.
	blocked.synth = nil
	resp, _, err := r.Synthesize(context.Background(), mp3Request("req"))
	if err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
	if resp.Provider != "healthy" {
		t.Errorf("expected healthy provider, got %s", resp.Provider)
	}
}

func TestSynthesize_CancelledBeforeAttempt(t *testing.T) {
	a := &mockProvider{name: "a"}
	r := newTestRouter([]provider.Provider{a}, 1, health.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, decision, err := r.Synthesize(ctx, mp3Request("req"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if decision.Reason != "cancelled" {
		t.Errorf("reason = %q, want cancelled", decision.Reason)
	}
	if a.callCount() != 0 {
		t.Error("cancelled request must not start an adapter call")
	}
}
