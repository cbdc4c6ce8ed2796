package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const channelPrefix = "proctor:changes:"

// Redis carries change events over Redis pub/sub, one channel per
// table. Connection loss silently drops events until the subscriber
// reconnects; staleness is detected by the consumer, not here.
type Redis struct {
	rdb *goredis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(addr string) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

// Publish emits one change event on the table's channel.
func (r *Redis) Publish(ctx context.Context, ev ChangeEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channelPrefix+ev.Table, raw).Err()
}

// Subscribe starts a forwarder goroutine delivering matching events
// until the subscription is closed or the context is canceled.
func (r *Redis) Subscribe(ctx context.Context, table string, ops ...Operation) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, channelPrefix+table)

	// Confirms the subscription actually started before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", table, err)
	}

	sub := newSubscription(64, func() { _ = pubsub.Close() })

	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					slog.Warn("bad change payload", "table", table, "error", err)
					continue
				}
				if !matches(ops, ev.Op) {
					continue
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				}
			}
		}
	}()

	return sub, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
