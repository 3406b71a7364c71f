package provider

import (
	"context"
)

// Request is a single synthesis attempt handed to one backend adapter.
// RequestID is the correlation id and stays the same across every fallback
// attempt of one logical request.
type Request struct {
	Input  string
	Voice  string
	Format Format
	Prompt string

	// Metadata for routing decisions and observability
	TenantID  string
	RequestID string
}

// Response carries the synthesized audio back through the router. ContentType
// always matches the bytes actually produced, which may differ from the
// requested format only when the adapter transcoded.
type Response struct {
	Audio       []byte
	ContentType string
	Provider    string
	LatencyMs   int64
}

type Provider interface {
	Synthesize(ctx context.Context, req *Request) (*Response, error)
	Name() string
	Weight() int
	SupportsFormat(f Format) bool
	SupportsVoice(voice string) bool
}

// Settings is the config-declared identity and capability set of one backend.
// Adapters are constructed from it so that adding a provider kind never
// touches the router.
type Settings struct {
	Name     string
	Endpoint string
	APIKey   string
	Model    string
	Weight   int
	Formats  []Format
	Voices   []string
}

// Base implements the capability half of Provider from declared Settings.
// Adapters embed it and add Synthesize.
type Base struct {
	Settings Settings
}

func (b *Base) Name() string { return b.Settings.Name }

func (b *Base) Weight() int {
	if b.Settings.Weight <= 0 {
		return 1
	}
	return b.Settings.Weight
}

func (b *Base) SupportsFormat(f Format) bool {
	for _, have := range b.Settings.Formats {
		if have == f {
			return true
		}
	}
	return false
}

// SupportsVoice treats an empty declared list as "any voice".
func (b *Base) SupportsVoice(voice string) bool {
	if len(b.Settings.Voices) == 0 {
		return true
	}
	for _, v := range b.Settings.Voices {
		if v == voice {
			return true
		}
	}
	return false
}
