package types

// Metric names shared by the Prometheus registry and CloudWatch alerts.
const (
	MetricHTTPRequests      = "http_requests_total"
	MetricHTTPDuration      = "http_request_duration_seconds"
	MetricQuotaDecisions    = "quota_decisions_total"
	MetricWebhookOutcomes   = "webhook_events_total"
	MetricUpstreamFailures  = "upstream_failures_total"
	MetricBillingAlert      = "BillingAlert"
	MetricMaintenanceFailed = "MaintenanceTaskFailed"

	// Dimension keys
	DimAlertKind = "Kind"
	DimTask      = "Task"
	DimService   = "Service"
)
