// Package main is the entry point for the Notify Worker Lambda function.
//
// The Notify Worker consumes messages from the notification SQS queue and
// delivers them to the collaborator webhook endpoint. The API publishes two
// message kinds: subscription state changes and credit grant fulfillments.
// Both are forwarded as JSON so downstream collaborators (email, CRM) can
// react without polling the entitlement API.
//
// Cold start (main):
//  1. Load configuration and initialize the structured logger.
//  2. Load AWS SDK configuration.
//  3. Initialize the CloudWatch metrics recorder.
//  4. Build the deliverer: an HTTP forwarder when NOTIFY_WEBHOOK_URL is set,
//     otherwise a log-only deliverer for local development.
//  5. Register the handler and call lambda.Start.
//
// Handler flow, per SQS message in the batch:
//  1. Read the message kind from the "kind" message attribute.
//  2. Unmarshal the typed payload and log its identity fields.
//  3. Deliver via the configured deliverer.
//  4. Malformed messages are acknowledged (redelivery cannot fix them);
//     delivery failures are reported as partial batch failures so SQS
//     retries only the affected message.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"entitlements/internal/billing"
	"entitlements/internal/config"
	"entitlements/internal/external"
	"entitlements/internal/queue"
	"entitlements/internal/types"
)

const (
	deliverTimeout = 10 * time.Second
	userAgent      = "entitlements-notify-worker/1.0"
)

// Deliverer hands a notification payload to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, kind string, payload []byte) error
}

// Handler holds the dependencies for the notify worker Lambda handler.
type Handler struct {
	deliverer Deliverer
	metrics   billing.Recorder
	logger    *slog.Logger
}

// NewHandler wires a Handler. A nil metrics recorder is replaced with a no-op.
func NewHandler(deliverer Deliverer, metrics billing.Recorder, logger *slog.Logger) *Handler {
	if metrics == nil {
		metrics = billing.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deliverer: deliverer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle processes an SQS event containing one or more notification messages.
// Each message is processed independently: failures are returned in
// BatchItemFailures so SQS retries only the affected messages.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process notification message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage handles a single SQS message. A nil return acknowledges the
// message; an error reports it for redelivery.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	kind := messageKind(record)
	if kind == "" {
		// Redelivery cannot supply a missing attribute.
		h.logger.WarnContext(ctx, "dropping message without kind attribute",
			"message_id", record.MessageId,
		)
		return nil
	}

	traceID, err := h.parseAndLog(ctx, kind, record)
	if err != nil {
		// Malformed body. Acknowledge so the queue does not loop on it.
		h.logger.ErrorContext(ctx, "dropping malformed notification message",
			"message_id", record.MessageId,
			"kind", kind,
			"error", err,
		)
		return nil
	}

	if lag, ok := queueLag(record); ok {
		h.logger.DebugContext(ctx, "notification queue lag",
			"message_id", record.MessageId,
			"lag_ms", lag.Milliseconds(),
		)
	}

	if traceID != "" {
		ctx = types.WithRequestID(ctx, traceID)
	}

	if err := h.deliverer.Deliver(ctx, kind, []byte(record.Body)); err != nil {
		h.metrics.RecordNotifyDelivery(ctx, kind, false)
		return fmt.Errorf("delivering %s notification: %w", kind, err)
	}

	h.metrics.RecordNotifyDelivery(ctx, kind, true)
	return nil
}

// parseAndLog validates the message body against its kind and logs the
// identity fields. It returns the trace ID carried by the message.
func (h *Handler) parseAndLog(ctx context.Context, kind string, record events.SQSMessage) (string, error) {
	switch kind {
	case queue.KindStateChange:
		var msg types.StateChangeMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			return "", fmt.Errorf("unmarshal state change: %w", err)
		}
		if msg.UserID == "" {
			return "", fmt.Errorf("state change message missing user_id")
		}
		h.logger.InfoContext(ctx, "forwarding subscription state change",
			"message_id", record.MessageId,
			"user_id", msg.UserID,
			"subscription_id", msg.SubscriptionID,
			"from_status", string(msg.FromStatus),
			"to_status", string(msg.ToStatus),
			"event_id", msg.EventID,
			"trace_id", msg.TraceID,
		)
		return msg.TraceID, nil

	case queue.KindCreditGrant:
		var msg types.CreditGrantMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			return "", fmt.Errorf("unmarshal credit grant: %w", err)
		}
		if msg.UserID == "" {
			return "", fmt.Errorf("credit grant message missing user_id")
		}
		h.logger.InfoContext(ctx, "forwarding credit grant",
			"message_id", record.MessageId,
			"user_id", msg.UserID,
			"plan_id", string(msg.PlanID),
			"credits_granted", msg.CreditsGranted,
			"resulting_balance", msg.ResultingBalance,
			"transaction_id", msg.TransactionID,
			"trace_id", msg.TraceID,
		)
		return msg.TraceID, nil

	default:
		return "", fmt.Errorf("unknown message kind %q", kind)
	}
}

// messageKind reads the "kind" message attribute set by the publisher.
func messageKind(record events.SQSMessage) string {
	attr, ok := record.MessageAttributes["kind"]
	if !ok || attr.StringValue == nil {
		return ""
	}
	return *attr.StringValue
}

// queueLag computes how long the message sat in the queue, from the SQS
// SentTimestamp attribute (millisecond epoch).
func queueLag(record events.SQSMessage) (time.Duration, bool) {
	raw, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return 0, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.UnixMilli(millis)), true
}

// WebhookDeliverer POSTs notification payloads to the collaborator endpoint.
// Requests go through the shared BaseClient so they inherit retries, circuit
// breaking, and trace propagation.
type WebhookDeliverer struct {
	client *external.BaseClient
	url    string
}

// NewWebhookDeliverer builds a deliverer targeting the given URL.
func NewWebhookDeliverer(client *external.BaseClient, url string) *WebhookDeliverer {
	return &WebhookDeliverer{client: client, url: url}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, kind string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Kind", kind)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collaborator endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LogDeliverer records deliveries in the log without forwarding anywhere.
// Used when no webhook URL is configured (local development).
type LogDeliverer struct {
	logger *slog.Logger
}

func (d *LogDeliverer) Deliver(ctx context.Context, kind string, payload []byte) error {
	d.logger.InfoContext(ctx, "notification delivered to log sink",
		"kind", kind,
		"payload_bytes", len(payload),
	)
	return nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("notify worker initializing",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	awsCfg, err := newAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	metrics := billing.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.AWS.MetricNamespace,
		logger,
	)

	var deliverer Deliverer
	if cfg.Notify.WebhookURL != "" {
		client := external.NewBaseClient(
			&http.Client{Timeout: deliverTimeout},
			"notify-webhook",
			external.DefaultRetryPolicy(),
			userAgent,
		)
		deliverer = NewWebhookDeliverer(client, cfg.Notify.WebhookURL)
		logger.Info("forwarding notifications to webhook", "url", cfg.Notify.WebhookURL)
	} else {
		deliverer = &LogDeliverer{logger: logger}
		logger.Info("no webhook URL configured, delivering to log sink")
	}

	handler := NewHandler(deliverer, metrics, logger)
	lambda.Start(handler.Handle)
}

// newAWSConfig loads the default AWS config, pointing at a LocalStack
// endpoint when one is configured.
func newAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// newLogger builds the process-wide JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
