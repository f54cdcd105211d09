package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// QuotaPurgeStore deletes quota rows whose period ended before cutoff.
type QuotaPurgeStore interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QuotaPurger enforces the quota record retention window.
type QuotaPurger struct {
	store     QuotaPurgeStore
	retention time.Duration
	logger    *slog.Logger
}

// NewQuotaPurger creates a QuotaPurger.
func NewQuotaPurger(store QuotaPurgeStore, retention time.Duration, logger *slog.Logger) *QuotaPurger {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaPurger{store: store, retention: retention, logger: logger}
}

// PurgeExpired deletes rows whose period ended more than retention before now.
func (p *QuotaPurger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-p.retention)
	n, err := p.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging quota records before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	p.logger.InfoContext(ctx, "purged quota records", "count", n, "cutoff", cutoff)
	return int(n), nil
}
