// Package queue consumes job-event messages and owns the mechanics of
// redelivery: consumed messages are deleted, rejected ones are left for
// the visibility timeout to redeliver with the queue's own backoff.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/scaleup"
)

// SQSAPI is the subset of the SQS client used.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Handler processes one batch and returns the message ids to redeliver.
type Handler func(ctx context.Context, requests []scaleup.Request) []string

type Consumer struct {
	client    SQSAPI
	queueURL  string
	batchSize int32
	waitTime  int32
	logger    *slog.Logger
}

func NewConsumer(client SQSAPI, queueURL string, batchSize int, logger *slog.Logger) *Consumer {
	if batchSize < 1 || batchSize > 10 {
		batchSize = 10
	}
	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		batchSize: int32(batchSize),
		waitTime:  10,
		logger:    logger.With("component", "queue"),
	}
}

// Run long-polls the queue until the context is cancelled. Messages whose
// id the handler reports as rejected keep their receipt untouched so the
// queue redelivers them; everything else is deleted.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: c.batchSize,
			WaitTimeSeconds:     c.waitTime,
			AttributeNames:      []types.QueueAttributeName{types.QueueAttributeNameAll},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("receive failed", "error", err)
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}

		requests, receipts := c.decode(out.Messages)
		rejected := handler(ctx, requests)

		rejectedSet := make(map[string]bool, len(rejected))
		for _, id := range rejected {
			rejectedSet[id] = true
		}
		for id, receipt := range receipts {
			if rejectedSet[id] {
				continue
			}
			_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: aws.String(receipt),
			})
			if err != nil {
				c.logger.Warn("delete failed, message will redeliver", "message_id", id, "error", err)
			}
		}
	}
}

type jobEvent struct {
	EventType string `json:"event_type"`
	JobID     int64  `json:"job_id"`
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	Scope     string `json:"scope"`
}

func (c *Consumer) decode(messages []types.Message) ([]scaleup.Request, map[string]string) {
	requests := make([]scaleup.Request, 0, len(messages))
	receipts := make(map[string]string, len(messages))
	for _, msg := range messages {
		id := aws.ToString(msg.MessageId)
		receipts[id] = aws.ToString(msg.ReceiptHandle)

		var event jobEvent
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
			// Undecodable messages go through the engine's drop path via
			// an empty event type rather than poisoning the batch.
			c.logger.Warn("undecodable message", "message_id", id, "error", err)
		}

		retries := 0
		if attr, ok := msg.Attributes["ApproximateReceiveCount"]; ok {
			fmt.Sscanf(attr, "%d", &retries)
		}

		requests = append(requests, scaleup.Request{
			MessageID:  id,
			JobID:      event.JobID,
			Owner:      event.Owner,
			Repo:       event.Repo,
			Scope:      scaleupScope(event.Scope),
			EventType:  event.EventType,
			RetryCount: retries,
		})
	}
	return requests, receipts
}

func scaleupScope(s string) fleet.Scope {
	switch s {
	case string(fleet.ScopeRepo):
		return fleet.ScopeRepo
	case string(fleet.ScopeOrg):
		return fleet.ScopeOrg
	default:
		return fleet.Scope(s)
	}
}

// Publisher signals admitted requests to the retry-check queue, delayed so
// the check runs after the runner has had a chance to pick the job up.
type Publisher struct {
	client       SQSAPI
	queueURL     string
	delaySeconds int32
	logger       *slog.Logger
}

func NewPublisher(client SQSAPI, queueURL string, delay time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:       client,
		queueURL:     queueURL,
		delaySeconds: int32(delay / time.Second),
		logger:       logger.With("component", "retry-check"),
	}
}

func (p *Publisher) Signal(ctx context.Context, req scaleup.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: p.delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to signal retry check for %s: %w", req.MessageID, err)
	}
	return nil
}
