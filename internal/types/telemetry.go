package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricEntitlementDecision = "EntitlementDecision"
	MetricLedgerMutation      = "LedgerMutation"
	MetricLifecycleTransition = "LifecycleTransition"
	MetricStateConflict       = "SubscriptionStateConflict"
	MetricAPILatency          = "APILatency"
	MetricNotifyDelivery      = "NotificationDelivery"

	// Dimension Keys
	DimSource = "Source"
	DimResult = "Result"
	DimKind   = "Kind"
	DimReason = "Reason"
	DimEvent  = "Event"

	// Metric Namespace
	MetricNamespace = "Entitlements"
)
