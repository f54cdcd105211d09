package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"toeicprep/internal/types"
)

// PlanRepo reads and seeds the plan catalog. Features and limits are stored
// as JSONB so adding a flag needs no migration.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a new PlanRepo.
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

const planColumns = `id, display_name, price_cents, currency, billing_interval,
	features, limits, provider_price_id, created_at`

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.ID,
		&p.DisplayName,
		&p.PriceCents,
		&p.Currency,
		&p.Interval,
		&p.Features,
		&p.Limits,
		&p.ProviderPriceID,
		&p.CreatedAt,
	)
	return &p, err
}

// GetPlan returns ErrCodeNotFoundPlan when the id is unknown.
func (r *PlanRepo) GetPlan(ctx context.Context, planID string) (*types.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`,
		planID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found: "+planID, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan", err)
	}
	return p, nil
}

// ListPlans returns every plan ordered by price.
func (r *PlanRepo) ListPlans(ctx context.Context) ([]*types.Plan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price_cents ASC, id ASC`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plans", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan row", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan rows", err)
	}
	return plans, nil
}

// InsertPlanIfAbsent seeds a plan without touching an existing row. It
// reports whether the row was inserted.
func (r *PlanRepo) InsertPlanIfAbsent(ctx context.Context, p *types.Plan) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO plans (id, display_name, price_cents, currency, billing_interval,
		                    features, limits, provider_price_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID,
		p.DisplayName,
		p.PriceCents,
		p.Currency,
		p.Interval,
		p.Features,
		p.Limits,
		p.ProviderPriceID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to seed plan", err)
	}
	return tag.RowsAffected() == 1, nil
}
