// Package queue provides the SQS-based message producer that dispatches
// billing notification payloads to the downstream notify worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"entitlements/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message kinds carried in the "kind" message attribute, used by the notify
// worker to pick the right decoder.
const (
	KindStateChange = "subscription_state_change"
	KindCreditGrant = "credit_grant"
)

// NotifyPublisher sends billing notification messages to the notify queue.
// It implements billing.StateChangeNotifier.
type NotifyPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewNotifyPublisher creates a publisher for the given queue URL.
func NewNotifyPublisher(client SQSSender, queueURL string, logger *slog.Logger) *NotifyPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// PublishStateChange enqueues a subscription-state-changed message.
func (p *NotifyPublisher) PublishStateChange(ctx context.Context, msg types.StateChangeMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	if err := p.send(ctx, KindStateChange, msg); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "state change message sent",
		"queue_url", p.queueURL,
		"user_id", msg.UserID,
		"subscription_id", msg.SubscriptionID,
		"from_status", string(msg.FromStatus),
		"to_status", string(msg.ToStatus),
		"trace_id", msg.TraceID,
	)
	return nil
}

// PublishCreditGrant enqueues a credit-pack-fulfilled message so the notify
// worker can send a receipt.
func (p *NotifyPublisher) PublishCreditGrant(ctx context.Context, msg types.CreditGrantMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	if err := p.send(ctx, KindCreditGrant, msg); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "credit grant message sent",
		"queue_url", p.queueURL,
		"user_id", msg.UserID,
		"plan_id", string(msg.PlanID),
		"credits_granted", msg.CreditsGranted,
		"trace_id", msg.TraceID,
	)
	return nil
}

// send serializes the payload to JSON and dispatches it with a "kind"
// message attribute identifying the payload shape.
func (p *NotifyPublisher) send(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal %s message: %w", kind, err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(kind),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send %s message to %s: %w", kind, p.queueURL, err)
	}
	return nil
}
