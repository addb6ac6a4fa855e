package kvstore

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is an etcd-backed Store shared by every UTM server of a deployment.
type Etcd struct {
	client *clientv3.Client
}

// NewEtcd dials the etcd cluster at endpoints and checks that it answers.
// The caller must call Close when finished.
func NewEtcd(ctx context.Context, endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd dial: no endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}

	// the client connects lazily
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd status %s: %w", endpoints[0], err)
	}

	return &Etcd{client: client}, nil
}

// Put implements Store.
func (s *Etcd) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("etcd put %q: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *Etcd) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Watch implements Store. Deletions are not reported.
func (s *Etcd) Watch(ctx context.Context, prefix string, fn func(Event)) error {
	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())

	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				fn(Event{Key: string(ev.Kv.Key), Value: ev.Kv.Value})
			}
		}
	}()
	return nil
}

// Close releases the underlying etcd client connection.
func (s *Etcd) Close() error {
	return s.client.Close()
}
