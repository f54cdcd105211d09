package db

import (
	"context"
	"strings"

	"toeicprep/internal/types"
)

// RequiredTables are the tables the service cannot run without.
var RequiredTables = []string{"plans", "subscriptions", "quota_records", "stripe_events"}

// CheckProvisioned fails when any required table is missing, so a
// misconfigured deployment stops at boot instead of denying every gated
// request at runtime.
func CheckProvisioned(ctx context.Context, db DBTX) error {
	var missing []string
	for _, table := range RequiredTables {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to inspect schema", err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalNotProvisioned,
			"missing tables: "+strings.Join(missing, ", "), nil,
			map[string]any{"tables": missing})
	}
	return nil
}
