package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type pendingEntry struct {
	msg      Message
	consumer string
	claimed  time.Time
}

// InMemoryBroker is a single-process Broker used in tests and as a
// degraded-mode fallback. It implements the same at-least-once,
// claim/ack/pending semantics as RedisBroker without external state.
type InMemoryBroker struct {
	mu      sync.Mutex
	seq     int64
	streams map[string][]Message
	groups  map[string]map[string]int               // stream -> group -> next unread index
	pending map[string]map[string]map[string]*pendingEntry // stream -> group -> id -> entry
}

// NewInMemoryBroker creates an empty in-memory broker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		streams: make(map[string][]Message),
		groups:  make(map[string]map[string]int),
		pending: make(map[string]map[string]map[string]*pendingEntry),
	}
}

func (b *InMemoryBroker) Publish(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	b.streams[stream] = append(b.streams[stream], Message{ID: id, Fields: fields})
	return id, nil
}

func (b *InMemoryBroker) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.groups[stream] == nil {
		b.groups[stream] = make(map[string]int)
	}
	if _, ok := b.groups[stream][group]; !ok {
		b.groups[stream][group] = 0
	}
	if b.pending[stream] == nil {
		b.pending[stream] = make(map[string]map[string]*pendingEntry)
	}
	if b.pending[stream][group] == nil {
		b.pending[stream][group] = make(map[string]*pendingEntry)
	}
	return nil
}

func (b *InMemoryBroker) ReadGroup(_ context.Context, stream, group, consumer string, count int64, _ int64) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.groups[stream][group]
	msgs := b.streams[stream]
	var out []Message
	for next < len(msgs) && int64(len(out)) < count {
		m := msgs[next]
		b.pending[stream][group][m.ID] = &pendingEntry{msg: m, consumer: consumer, claimed: time.Now()}
		out = append(out, m)
		next++
	}
	b.groups[stream][group] = next
	return out, nil
}

func (b *InMemoryBroker) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ids {
		delete(b.pending[stream][group], id)
	}
	return nil
}

func (b *InMemoryBroker) Pending(_ context.Context, stream, group string, minIdleMs int64, count int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	minIdle := time.Duration(minIdleMs) * time.Millisecond
	var ids []string
	for id, e := range b.pending[stream][group] {
		if time.Since(e.claimed) >= minIdle {
			ids = append(ids, id)
			if int64(len(ids)) >= count {
				break
			}
		}
	}
	return ids, nil
}

func (b *InMemoryBroker) Claim(_ context.Context, stream, group, consumer string, _ int64, ids ...string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, id := range ids {
		e, ok := b.pending[stream][group][id]
		if !ok {
			continue
		}
		e.consumer = consumer
		e.claimed = time.Now()
		out = append(out, e.msg)
	}
	return out, nil
}

func (b *InMemoryBroker) Len(_ context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.streams[stream])), nil
}

func (b *InMemoryBroker) Ping(_ context.Context) error {
	return nil
}

var _ Broker = (*InMemoryBroker)(nil)
