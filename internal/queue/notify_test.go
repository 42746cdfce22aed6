package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlements/internal/types"
)

// captureSender records the last SendMessage input.
type captureSender struct {
	input   *sqs.SendMessageInput
	sendErr error
}

func (c *captureSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.input = params
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("mid_1")}, nil
}

func TestPublishStateChange(t *testing.T) {
	sender := &captureSender{}
	pub := NewNotifyPublisher(sender, "https://sqs.test/notify", nil)

	msg := types.StateChangeMessage{
		UserID:         "user_1",
		SubscriptionID: "sub_1",
		PlanID:         types.PlanProfessional,
		FromStatus:     types.SubStatusActive,
		ToStatus:       types.SubStatusPastDue,
		EventID:        "evt_1",
		OccurredAt:     time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		TraceID:        "trace_1",
	}
	require.NoError(t, pub.PublishStateChange(context.Background(), msg))

	require.NotNil(t, sender.input)
	assert.Equal(t, "https://sqs.test/notify", aws.ToString(sender.input.QueueUrl))
	assert.Equal(t, KindStateChange, aws.ToString(sender.input.MessageAttributes["kind"].StringValue))

	var decoded types.StateChangeMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(sender.input.MessageBody)), &decoded))
	assert.Equal(t, msg, decoded)
}

func TestPublishStateChange_GeneratesTraceID(t *testing.T) {
	sender := &captureSender{}
	pub := NewNotifyPublisher(sender, "https://sqs.test/notify", nil)

	require.NoError(t, pub.PublishStateChange(context.Background(), types.StateChangeMessage{
		UserID:     "user_1",
		FromStatus: types.SubStatusNone,
		ToStatus:   types.SubStatusActive,
	}))

	var decoded types.StateChangeMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(sender.input.MessageBody)), &decoded))
	assert.NotEmpty(t, decoded.TraceID)
}

func TestPublishCreditGrant(t *testing.T) {
	sender := &captureSender{}
	pub := NewNotifyPublisher(sender, "https://sqs.test/notify", nil)

	msg := types.CreditGrantMessage{
		UserID:           "user_1",
		PlanID:           types.PlanCredits50,
		CreditsGranted:   50,
		ResultingBalance: 57,
		TransactionID:    "txn_1",
		OccurredAt:       time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		TraceID:          "trace_2",
	}
	require.NoError(t, pub.PublishCreditGrant(context.Background(), msg))

	assert.Equal(t, KindCreditGrant, aws.ToString(sender.input.MessageAttributes["kind"].StringValue))

	var decoded types.CreditGrantMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(sender.input.MessageBody)), &decoded))
	assert.Equal(t, msg, decoded)
}

func TestPublish_SendFailure(t *testing.T) {
	sender := &captureSender{sendErr: errors.New("access denied")}
	pub := NewNotifyPublisher(sender, "https://sqs.test/notify", nil)

	err := pub.PublishStateChange(context.Background(), types.StateChangeMessage{UserID: "user_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send")
}
