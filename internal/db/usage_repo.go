package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"toeicprep/internal/types"
)

// QuotaRepo provides data access for the quota_records table. The composite
// primary key (user_id, resource_type, period_start) is the unit of
// contention; increments happen in a single upsert so concurrent requests
// never lose updates.
type QuotaRepo struct {
	db DBTX
}

// NewQuotaRepo creates a new QuotaRepo.
func NewQuotaRepo(db DBTX) *QuotaRepo {
	return &QuotaRepo{db: db}
}

// Find returns ErrCodeNotFoundQuota when no row exists for the period.
func (r *QuotaRepo) Find(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time) (*types.QuotaRecord, error) {
	var rec types.QuotaRecord
	err := r.db.QueryRow(ctx,
		`SELECT user_id, resource_type, period_start, period_end, used_count, limit_count, updated_at
		 FROM quota_records
		 WHERE user_id = $1 AND resource_type = $2 AND period_start = $3`,
		userID,
		resource,
		periodStart,
	).Scan(
		&rec.UserID,
		&rec.ResourceType,
		&rec.PeriodStart,
		&rec.PeriodEnd,
		&rec.UsedCount,
		&rec.LimitCount,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "quota record not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load quota record", err)
	}
	return &rec, nil
}

// Create inserts the period row if it does not exist yet.
func (r *QuotaRepo) Create(ctx context.Context, rec *types.QuotaRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO quota_records (user_id, resource_type, period_start, period_end, used_count, limit_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, resource_type, period_start) DO NOTHING`,
		rec.UserID,
		rec.ResourceType,
		rec.PeriodStart,
		rec.PeriodEnd,
		rec.UsedCount,
		rec.LimitCount,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create quota record", err)
	}
	return nil
}

// AtomicIncrement adds amount to the period counter, creating the row from
// seed on first use, and returns the new count.
func (r *QuotaRepo) AtomicIncrement(ctx context.Context, seed types.QuotaRecord, amount int) (int, error) {
	var used int
	err := r.db.QueryRow(ctx,
		`INSERT INTO quota_records (user_id, resource_type, period_start, period_end, used_count, limit_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, resource_type, period_start)
		 DO UPDATE SET used_count = quota_records.used_count + EXCLUDED.used_count,
		               updated_at = NOW()
		 RETURNING used_count`,
		seed.UserID,
		seed.ResourceType,
		seed.PeriodStart,
		seed.PeriodEnd,
		amount,
		seed.LimitCount,
	).Scan(&used)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment quota", err)
	}
	return used, nil
}

// SyncLimit rewrites the informational limit on an existing period row.
func (r *QuotaRepo) SyncLimit(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time, limit *int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE quota_records
		 SET limit_count = $4, updated_at = NOW()
		 WHERE user_id = $1 AND resource_type = $2 AND period_start = $3`,
		userID,
		resource,
		periodStart,
		limit,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to sync quota limit", err)
	}
	return nil
}

// PurgeBefore deletes rows whose period ended before cutoff.
func (r *QuotaRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM quota_records WHERE period_end < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge quota records", err)
	}
	return tag.RowsAffected(), nil
}
