package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBroker implements Broker over Redis Streams, giving consumer
// groups, at-least-once delivery, and pending-entry inspection natively.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing go-redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// NewRedisBrokerFromURL connects using a redis:// or rediss:// URL, as read
// from REDIS_URL.
func NewRedisBrokerFromURL(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !alreadyExistsErr(err) {
		return err
	}
	return nil
}

func alreadyExistsErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (b *RedisBroker) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block int64) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    msToDuration(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toMessages(res), nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

func (b *RedisBroker) Pending(ctx context.Context, stream, group string, minIdleMs int64, count int64) ([]string, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   msToDuration(minIdleMs),
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res))
	for _, p := range res {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (b *RedisBroker) Claim(ctx context.Context, stream, group, consumer string, minIdleMs int64, ids ...string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  msToDuration(minIdleMs),
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(res))
	for _, m := range res {
		out = append(out, Message{ID: m.ID, Fields: toStringFields(m.Values)})
	}
	return out, nil
}

func (b *RedisBroker) Len(ctx context.Context, stream string) (int64, error) {
	return b.client.XLen(ctx, stream).Result()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func toMessages(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Fields: toStringFields(m.Values)})
		}
	}
	return out
}

func toStringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		fields[k] = fmt.Sprintf("%v", v)
	}
	return fields
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

var _ Broker = (*RedisBroker)(nil)
