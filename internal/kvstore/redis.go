package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the pub/sub channels that carry change events.
const channelPrefix = "kvstore:"

// Redis is a redis-backed Store. Values are plain string keys; each Put also
// publishes the value on a per-key channel, which Watch pattern-subscribes
// to.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the redis server at url (redis://host:port/db).
func NewRedis(ctx context.Context, url string, dialTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Put implements Store.
func (s *Redis) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, 0)
		pipe.Publish(ctx, channelPrefix+key, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %q: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, true, nil
}

// Watch implements Store.
func (s *Redis) Watch(ctx context.Context, prefix string, fn func(Event)) error {
	pubsub := s.client.PSubscribe(ctx, channelPrefix+prefix+"*")

	// wait for the subscription so that later puts are not missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe %q: %w", prefix, err)
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(Event{
					Key:   strings.TrimPrefix(msg.Channel, channelPrefix),
					Value: []byte(msg.Payload),
				})
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close implements Store.
func (s *Redis) Close() error {
	return s.client.Close()
}
