// Package telemetry emits billing alerts and maintenance job metrics to
// CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	MetricBillingAlert = "BillingAlert"
	MetricJobProcessed = "MaintenanceItemsProcessed"
	MetricJobFailed    = "MaintenanceJobFailed"

	DimKind = "Kind"
	DimTask = "Task"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Alerter implements billing.AlertSink. Every alert is logged at error
// level with the BILLING_ALERT prefix; when a CloudWatch client is set it is
// also counted as a BillingAlert metric so an alarm can page.
type Alerter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewAlerter creates an Alerter. client may be nil to log only.
func NewAlerter(client CloudWatchClient, namespace string, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{client: client, namespace: namespace, logger: logger}
}

// BillingAlert records a billing failure that needs an operator.
func (a *Alerter) BillingAlert(ctx context.Context, kind, userID string, err error) {
	a.logger.ErrorContext(ctx, "BILLING_ALERT",
		"kind", kind,
		"user_id", userID,
		"error", err,
	)
	a.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricBillingAlert),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimKind), Value: aws.String(kind)},
		},
	})
}

// RecordJob emits the outcome of one maintenance run.
func (a *Alerter) RecordJob(ctx context.Context, task string, processed int, duration time.Duration, err error) {
	dims := []cwtypes.Dimension{{Name: aws.String(DimTask), Value: aws.String(task)}}
	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(MetricJobProcessed),
		Value:      aws.Float64(float64(processed)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}}
	if err != nil {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(MetricJobFailed),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		})
	}
	a.logger.InfoContext(ctx, "maintenance job finished",
		"task", task,
		"processed", processed,
		"duration_ms", duration.Milliseconds(),
		"failed", err != nil,
	)
	a.put(ctx, data...)
}

func (a *Alerter) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	if a.client == nil {
		return
	}
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(a.namespace),
		MetricData: data,
	}
	if _, err := a.client.PutMetricData(context.WithoutCancel(ctx), input); err != nil {
		a.logger.WarnContext(ctx, "failed to put cloudwatch metric",
			"metric", aws.ToString(data[0].MetricName),
			"error", err,
		)
	}
}
