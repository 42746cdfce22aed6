package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"entitlements/internal/types"
)

// Recorder receives domain telemetry from the billing services. Implementations
// must be non-blocking from the caller's perspective: emission failures are
// logged, never returned.
type Recorder interface {
	// RecordDecision counts one entitlement evaluation, dimensioned by
	// outcome source ("subscription", "credits", or "denied").
	RecordDecision(ctx context.Context, decision types.EntitlementDecision)

	// RecordLedgerMutation counts one debit or grant attempt and whether it
	// succeeded.
	RecordLedgerMutation(ctx context.Context, kind string, ok bool)

	// RecordTransition counts one applied subscription state transition.
	RecordTransition(ctx context.Context, event types.BillingEventType, to types.SubscriptionStatus)

	// RecordStateConflict counts one record/mirror disagreement. This metric
	// should alarm at any value above zero.
	RecordStateConflict(ctx context.Context)

	// RecordAPILatency records the handling time of one API request.
	RecordAPILatency(ctx context.Context, route string, duration time.Duration)

	// RecordNotifyDelivery counts one notification delivery attempt by the
	// notify worker, dimensioned by message kind and outcome.
	RecordNotifyDelivery(ctx context.Context, kind string, ok bool)
}

// NopRecorder discards all telemetry. Used when no metrics sink is configured
// and in tests.
type NopRecorder struct{}

func (NopRecorder) RecordDecision(context.Context, types.EntitlementDecision) {}

func (NopRecorder) RecordLedgerMutation(context.Context, string, bool) {}

func (NopRecorder) RecordTransition(context.Context, types.BillingEventType, types.SubscriptionStatus) {
}

func (NopRecorder) RecordStateConflict(context.Context) {}

func (NopRecorder) RecordAPILatency(context.Context, string, time.Duration) {}

func (NopRecorder) RecordNotifyDelivery(context.Context, string, bool) {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchMetrics implements Recorder.
var _ Recorder = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics implements Recorder by emitting metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - EntitlementDecision: Dims {Source} -- on every evaluation
//   - LedgerMutation: Dims {Kind, Result} -- on every debit/grant attempt
//   - LifecycleTransition: Dims {Event, Result} -- on every applied transition
//   - SubscriptionStateConflict: No dims -- record/mirror disagreement
//   - APILatency: Dims {Source: route} -- request handling time
//   - NotificationDelivery: Dims {Kind, Result} -- notify worker deliveries
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the given
// namespace. An empty namespace falls back to the default.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchMetrics) RecordDecision(ctx context.Context, decision types.EntitlementDecision) {
	source := "denied"
	if decision.Allowed {
		source = string(decision.Source)
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEntitlementDecision),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimSource), Value: aws.String(source)},
		},
	})
}

func (m *CloudWatchMetrics) RecordLedgerMutation(ctx context.Context, kind string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricLedgerMutation),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimKind), Value: aws.String(kind)},
			{Name: aws.String(types.DimResult), Value: aws.String(result)},
		},
	})
}

func (m *CloudWatchMetrics) RecordTransition(ctx context.Context, event types.BillingEventType, to types.SubscriptionStatus) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricLifecycleTransition),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimEvent), Value: aws.String(string(event))},
			{Name: aws.String(types.DimResult), Value: aws.String(string(to))},
		},
	})
}

func (m *CloudWatchMetrics) RecordStateConflict(ctx context.Context) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricStateConflict),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchMetrics) RecordAPILatency(ctx context.Context, route string, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimSource), Value: aws.String(route)},
		},
	})
}

func (m *CloudWatchMetrics) RecordNotifyDelivery(ctx context.Context, kind string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricNotifyDelivery),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimKind), Value: aws.String(kind)},
			{Name: aws.String(types.DimResult), Value: aws.String(result)},
		},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to emit metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}
