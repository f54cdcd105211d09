// Package main is the entry point for the maintenance worker.
//
// Two tasks keep the billing state healthy: sweeping checkouts whose
// completion webhook never arrived, and purging expired quota records.
// Under AWS Lambda the worker receives one scheduler.MaintenancePayload per
// EventBridge invocation. Elsewhere it runs both tasks on a cron schedule
// until interrupted, or a single task with -once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/robfig/cron/v3"

	"toeicprep/internal/app"
	"toeicprep/internal/config"
	"toeicprep/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	sweepSchedule := flag.String("sweep-schedule", "@every 10m", "cron spec for the pending checkout sweep")
	purgeSchedule := flag.String("purge-schedule", "@daily", "cron spec for the quota record purge")
	once := flag.String("once", "", "run a single task and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel).With("component", "maintenance")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer components.Close()

	runner := newRunner(components, cfg, logger)

	if isLambdaEnvironment() {
		logger.Info("maintenance worker starting in Lambda mode", "version", cfg.Build.Version)
		lambda.Start(runner.Handle)
		return nil
	}

	if *once != "" {
		result, err := runner.Handle(ctx, scheduler.MaintenancePayload{Task: scheduler.TaskType(*once)})
		if err != nil {
			return err
		}
		logger.Info(result)
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := schedule(ctx, c, runner, map[scheduler.TaskType]string{
		scheduler.TaskSweepPendingCheckouts: *sweepSchedule,
		scheduler.TaskPurgeQuotaRecords:     *purgeSchedule,
	}); err != nil {
		return err
	}

	logger.Info("maintenance scheduler started",
		"sweep_schedule", *sweepSchedule,
		"purge_schedule", *purgeSchedule,
	)
	c.Start()
	<-ctx.Done()

	logger.Info("shutdown signal received, waiting for running jobs")
	<-c.Stop().Done()
	logger.Info("maintenance scheduler stopped")
	return nil
}

// newRunner wires the maintenance jobs to the shared billing components.
func newRunner(c *app.Components, cfg *config.Config, logger *slog.Logger) *scheduler.Runner {
	return &scheduler.Runner{
		Sweeper:  scheduler.NewCheckoutSweeper(c.Subs, c.Clients.Payments, c.Reconciler, logger),
		Purger:   scheduler.NewQuotaPurger(c.Quotas, cfg.Quota.Retention, logger),
		Recorder: c.Alerter,
		Logger:   logger,
	}
}

// schedule registers one cron entry per task. Job errors are already
// logged and recorded by the runner.
func schedule(ctx context.Context, c *cron.Cron, runner *scheduler.Runner, specs map[scheduler.TaskType]string) error {
	for task, spec := range specs {
		payload := scheduler.MaintenancePayload{Task: task}
		if _, err := c.AddFunc(spec, func() {
			_, _ = runner.Handle(ctx, payload)
		}); err != nil {
			return fmt.Errorf("scheduling %s with %q: %w", task, spec, err)
		}
	}
	return nil
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	return hasRuntimeAPI
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
