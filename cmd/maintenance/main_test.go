package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toeicprep/internal/app"
	"toeicprep/internal/billing"
	"toeicprep/internal/config"
	"toeicprep/internal/scheduler"
)

func testComponents(t *testing.T) (*app.Components, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{DashboardURL: "https://app.test"},
		Storage:     config.StorageConfig{Backend: "memory", QuotaBackend: "memory"},
		Billing:     config.BillingConfig{TrialDuration: 72 * time.Hour, TrialPlanID: billing.PlanPremiumMonthly},
		Quota:       config.QuotaConfig{Timezone: "UTC", Timeout: 500 * time.Millisecond, Retention: 24 * time.Hour},
	}
	c, err := app.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), app.Options{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, cfg
}

func TestNewRunner_RunsBothTasks(t *testing.T) {
	c, cfg := testComponents(t)
	runner := newRunner(c, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, task := range []scheduler.TaskType{scheduler.TaskSweepPendingCheckouts, scheduler.TaskPurgeQuotaRecords} {
		result, err := runner.Handle(context.Background(), scheduler.MaintenancePayload{Task: task})
		require.NoError(t, err, task)
		assert.Contains(t, result, "0 items processed")
	}
}

func TestSchedule(t *testing.T) {
	c, cfg := testComponents(t)
	runner := newRunner(c, cfg, nil)

	cr := cron.New()
	require.NoError(t, schedule(context.Background(), cr, runner, map[scheduler.TaskType]string{
		scheduler.TaskSweepPendingCheckouts: "@every 10m",
		scheduler.TaskPurgeQuotaRecords:     "@daily",
	}))
	assert.Len(t, cr.Entries(), 2)

	err := schedule(context.Background(), cron.New(), runner, map[scheduler.TaskType]string{
		scheduler.TaskPurgeQuotaRecords: "every tuesday",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge_quota_records")
}

func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	assert.True(t, isLambdaEnvironment())
}
