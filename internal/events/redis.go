package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBus carries events over Redis pub/sub. Each topic is published on the
// channel "<prefix>:<topic>"; subscriptions ending in ">" use a pattern
// subscription so wildcards behave as they do on NATS.
type RedisBus struct {
	rdb    *goredis.Client
	prefix string
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to the Redis server at addr and verifies the
// connection. prefix defaults to "conveyance".
func NewRedisBus(addr, prefix string) (*RedisBus, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis bus: missing address")
	}
	if prefix == "" {
		prefix = "conveyance"
	}
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
	return &RedisBus{rdb: rdb, prefix: prefix}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), raw).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string) (<-chan []byte, func(), error) {
	ctx, stop := context.WithCancel(context.Background())

	var sub *goredis.PubSub
	if strings.HasSuffix(topic, ">") {
		sub = b.rdb.PSubscribe(ctx, b.channel(strings.TrimSuffix(topic, ">"))+"*")
	} else {
		sub = b.rdb.Subscribe(ctx, b.channel(topic))
	}
	// Receive blocks until the subscription is confirmed by the server.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		stop()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok || m == nil {
					return
				}
				select {
				case out <- []byte(m.Payload):
				default:
					slog.Warn("redis bus: dropping message for slow consumer", "channel", m.Channel)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = sub.Close()
			wg.Wait()
		})
	}
	return out, cancel, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
