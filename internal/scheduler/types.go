// Package scheduler implements the maintenance jobs of the billing service
// and the multiplexer that routes a MaintenancePayload to them.
//
// The same Runner serves the Lambda handler (EventBridge rules send the
// payload) and the local cron loop in cmd/maintenance.
package scheduler

import "time"

// TaskType identifies which maintenance job handles a payload.
type TaskType string

const (
	TaskSweepPendingCheckouts TaskType = "sweep_pending_checkouts"
	TaskPurgeQuotaRecords     TaskType = "purge_quota_records"
)

// MaintenancePayload is the JSON sent by EventBridge:
//
//	{
//	  "task": "sweep_pending_checkouts",
//	  "reference_time": "2026-03-10T09:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
