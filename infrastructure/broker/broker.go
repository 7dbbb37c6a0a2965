// Package broker provides the stream collaborator backing the inference
// queue: publish once from the admission path, claim-and-ack with
// at-least-once delivery from the worker pool, and pending-entry inspection
// so a crashed worker's claim can be reassigned.
package broker

import "context"

// Message is one entry read off a stream: an opaque ID assigned by the
// broker and the field map the producer published.
type Message struct {
	ID     string
	Fields map[string]string
}

// Broker is the minimal stream contract domain/queue depends on. A single
// implementation backs every consumer group sharing a stream name.
type Broker interface {
	// Publish appends fields to stream and returns the assigned message ID.
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup creates the named consumer group on stream if it does
	// not already exist, starting from the beginning of the stream.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup blocks up to block milliseconds waiting for up to count new
	// messages for consumer within group on stream. Callers should pass a
	// positive block duration so a worker loop polls rather than hangs.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block int64) ([]Message, error)

	// Ack acknowledges message ids within group on stream, removing them
	// from the pending entries list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending returns pending (claimed but unacknowledged) message ids for
	// group on stream that have been idle longer than minIdleMs, up to
	// count entries. Used to reclaim work from a worker that died mid
	// processing.
	Pending(ctx context.Context, stream, group string, minIdleMs int64, count int64) ([]string, error)

	// Claim reassigns the named ids to consumer within group, returning the
	// re-delivered messages.
	Claim(ctx context.Context, stream, group, consumer string, minIdleMs int64, ids ...string) ([]Message, error)

	// Len reports the current number of entries in stream, for queue-depth
	// metrics.
	Len(ctx context.Context, stream string) (int64, error)

	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error
}
