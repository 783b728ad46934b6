package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/scaleup"
)

type mockSQS struct {
	batches [][]types.Message
	deleted []string
	sent    []string
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(m.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func message(id string, event jobEvent, receives string) types.Message {
	body, _ := json.Marshal(event)
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("receipt-" + id),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{"ApproximateReceiveCount": receives},
	}
}

func TestConsumerRun(t *testing.T) {
	client := &mockSQS{batches: [][]types.Message{{
		message("msg-1", jobEvent{EventType: "workflow_job", JobID: 11, Owner: "octo-org", Repo: "octo-org/app", Scope: "org"}, "1"),
		message("msg-2", jobEvent{EventType: "workflow_job", JobID: 12, Owner: "octo-org", Repo: "octo-org/app", Scope: "org"}, "3"),
	}}}

	consumer := NewConsumer(client, "https://sqs/test", 10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var got []scaleup.Request
	handler := func(ctx context.Context, requests []scaleup.Request) []string {
		got = requests
		cancel()
		return []string{"msg-2"}
	}

	if err := consumer.Run(ctx, handler); err != context.Canceled {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	if len(got) != 2 {
		t.Fatalf("handler saw %d requests, want 2", len(got))
	}
	if got[0].JobID != 11 || got[0].Scope != fleet.ScopeOrg || got[0].RetryCount != 1 {
		t.Errorf("request = %+v, want decoded job event", got[0])
	}
	if got[1].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got[1].RetryCount)
	}

	// msg-1 was consumed and deleted; msg-2 keeps its receipt for
	// redelivery.
	if len(client.deleted) != 1 || client.deleted[0] != "receipt-msg-1" {
		t.Errorf("deleted = %v, want only msg-1's receipt", client.deleted)
	}
}

func TestConsumerDecodeBadBody(t *testing.T) {
	client := &mockSQS{batches: [][]types.Message{{
		{
			MessageId:     aws.String("msg-bad"),
			ReceiptHandle: aws.String("receipt-msg-bad"),
			Body:          aws.String("not json"),
		},
	}}}

	consumer := NewConsumer(client, "https://sqs/test", 10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var got []scaleup.Request
	handler := func(ctx context.Context, requests []scaleup.Request) []string {
		got = requests
		cancel()
		return nil
	}

	if err := consumer.Run(ctx, handler); err != context.Canceled {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	// Undecodable bodies still reach the handler, with an empty event
	// type that the admission filter drops.
	if len(got) != 1 || got[0].EventType != "" {
		t.Fatalf("requests = %+v, want one empty-typed request", got)
	}
	if len(client.deleted) != 1 {
		t.Errorf("deleted = %v, want the poison message removed", client.deleted)
	}
}

func TestPublisherSignal(t *testing.T) {
	client := &mockSQS{}
	pub := NewPublisher(client, "https://sqs/retry", 30*time.Second, testLogger())

	req := scaleup.Request{MessageID: "msg-1", JobID: 7, Owner: "octo-org"}
	if err := pub.Signal(context.Background(), req); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(client.sent))
	}

	var decoded scaleup.Request
	if err := json.Unmarshal([]byte(client.sent[0]), &decoded); err != nil {
		t.Fatalf("sent body not JSON: %v", err)
	}
	if decoded.MessageID != "msg-1" || decoded.JobID != 7 {
		t.Errorf("decoded = %+v, want the original request", decoded)
	}
}
