// Package queue defines the inference request envelope and a thin,
// typed wrapper around the broker collaborator used to move it between
// the gateway and the worker (spec §4.6).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianrail/safety/domain/ruletypes"
	"github.com/guardianrail/safety/infrastructure/auth"
	"github.com/guardianrail/safety/infrastructure/broker"
)

// StreamName is the Redis Streams key (or in-memory broker stream)
// carrying admitted inference requests.
const StreamName = "inference-requests"

// ConsumerGroup is the single consumer group every safetyworker replica
// joins, so each queued request is claimed by exactly one worker.
const ConsumerGroup = "safetyworker"

// ResponseStreamName is the broker stream a worker publishes a passed
// request's final output to, per spec §4.6 step 6 ("On pass: publish to
// response stream; acknowledge queue"). The gateway (or any other
// reader) consumes it to deliver the result back to the original
// caller; this package only owns publishing, not delivery.
const ResponseStreamName = "inference-responses"

// Request is a queued inference request, admitted past pre-check and
// awaiting model inference and post-check.
type Request struct {
	RequestID      string                      `json:"request_id"`
	TraceID        string                      `json:"trace_id"`
	SubjectID      string                      `json:"subject_id"`
	Tier           auth.Tier                   `json:"tier"`
	InputText      string                      `json:"input_text"`
	SubmittedTs    int64                       `json:"submitted_ts"`
	PreCheckResult ruletypes.EvaluationResult  `json:"pre_check_result"`
}

// Queue publishes and consumes Requests over a broker.Broker.
type Queue struct {
	b broker.Broker
}

// New wraps b as a typed Request queue and ensures the consumer group
// exists.
func New(ctx context.Context, b broker.Broker) (*Queue, error) {
	q := &Queue{b: b}
	if err := b.EnsureGroup(ctx, StreamName, ConsumerGroup); err != nil {
		return nil, fmt.Errorf("queue: ensure group: %w", err)
	}
	return q, nil
}

// Enqueue publishes req onto the stream.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("queue: encode request %s: %w", req.RequestID, err)
	}
	id, err := q.b.Publish(ctx, StreamName, map[string]string{"request": string(payload)})
	if err != nil {
		return "", fmt.Errorf("queue: publish %s: %w", req.RequestID, err)
	}
	return id, nil
}

// Response is the final, post-checked output for an admitted request,
// published once and consumed by whatever component returns it to the
// original caller.
type Response struct {
	RequestID   string `json:"request_id"`
	TraceID     string `json:"trace_id"`
	SubjectID   string `json:"subject_id"`
	OutputText  string `json:"output_text"`
	Watermarked bool   `json:"watermarked"`
	CreatedTs   int64  `json:"created_ts"`
}

// PublishResponse publishes resp onto ResponseStreamName.
func (q *Queue) PublishResponse(ctx context.Context, resp Response) (string, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("queue: encode response %s: %w", resp.RequestID, err)
	}
	id, err := q.b.Publish(ctx, ResponseStreamName, map[string]string{"response": string(payload)})
	if err != nil {
		return "", fmt.Errorf("queue: publish response %s: %w", resp.RequestID, err)
	}
	return id, nil
}

// Claimed is one claimed message paired with its decoded Request.
type Claimed struct {
	MessageID string
	Request   Request
}

// Claim reads up to count unclaimed messages for consumer within the
// group, blocking up to block for at least one message.
func (q *Queue) Claim(ctx context.Context, consumer string, count int64, block time.Duration) ([]Claimed, error) {
	msgs, err := q.b.ReadGroup(ctx, StreamName, ConsumerGroup, consumer, count, block.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("queue: read group: %w", err)
	}
	out := make([]Claimed, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Fields["request"]
		if !ok {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			continue // malformed message; ack-and-skip happens at the caller via Ack
		}
		out = append(out, Claimed{MessageID: msg.ID, Request: req})
	}
	return out, nil
}

// Ack acknowledges successful processing of messageID.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	return q.b.Ack(ctx, StreamName, ConsumerGroup, messageID)
}

// Depth reports the current stream length, for the queue_depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.b.Len(ctx, StreamName)
}
