// Package usage records per-request synthesis accounting, keyed by tenant,
// provider and correlation id.
package usage

import (
	"context"
	"time"
)

type Record struct {
	ID         string
	TenantID   string
	RequestID  string
	Provider   string
	Voice      string
	Format     string
	Outcome    string
	InputChars int
	AudioBytes int
	LatencyMs  int64
	CreatedAt  time.Time
}

type Store interface {
	Log(ctx context.Context, rec *Record) error
	GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	GetTotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (requests int64, audioBytes int64, err error)
}
