// Package queue publishes subscription lifecycle notifications to SQS for
// the email service.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"toeicprep/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// LifecyclePublisher implements billing.LifecycleNotifier over one SQS queue.
//
// FIFO queues (URL ending in .fifo) are grouped by user so a user's
// notifications arrive in order.
type LifecyclePublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewLifecyclePublisher creates a publisher for queueURL.
func NewLifecyclePublisher(client SQSSender, queueURL string, logger *slog.Logger) *LifecyclePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecyclePublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// Publish sends one notification. Callers treat failures as best effort.
func (p *LifecyclePublisher) Publish(ctx context.Context, msg types.LifecycleNotification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal LifecycleNotification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Event)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(msg.UserID)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send %s notification to %s: %w", msg.Event, p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "lifecycle notification sent",
		"event", msg.Event,
		"user_id", msg.UserID,
		"plan_id", msg.PlanID,
	)
	return nil
}
