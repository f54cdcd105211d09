package db

import (
	"context"

	"toeicprep/internal/types"
)

// WebhookEventRepo writes provider event provenance to stripe_events. The
// log is never consulted to skip an event; redeliveries bump attempts.
type WebhookEventRepo struct {
	db DBTX
}

// NewWebhookEventRepo creates a new WebhookEventRepo.
func NewWebhookEventRepo(db DBTX) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// Record upserts the event row with its latest outcome.
func (r *WebhookEventRepo) Record(ctx context.Context, rec *types.WebhookEventRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO stripe_events (id, event_type, user_id, outcome, error, received_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET attempts = stripe_events.attempts + 1,
		     outcome = EXCLUDED.outcome,
		     error = EXCLUDED.error,
		     user_id = EXCLUDED.user_id,
		     processed_at = COALESCE(EXCLUDED.processed_at, stripe_events.processed_at)`,
		rec.ID,
		rec.Type,
		rec.UserID,
		rec.Outcome,
		rec.Error,
		rec.ReceivedAt,
		rec.ProcessedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return nil
}
