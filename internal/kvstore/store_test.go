package kvstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects watch events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// testStore exercises the Store contract against any backend.
func testStore(t *testing.T, store Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefix := "uas-test-" + strings.ReplaceAll(t.Name(), "/", "-") + "-"

	var rec recorder
	require.NoError(t, store.Watch(ctx, prefix, rec.add))

	require.NoError(t, store.Put(ctx, prefix+"1", []byte(`{"status":"OK"}`)))
	require.NoError(t, store.Put(ctx, "other-key", []byte("ignored")))
	require.NoError(t, store.Put(ctx, prefix+"2", []byte(`{"status":"LOST"}`)))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, prefix+"1", events[0].Key)
	assert.Equal(t, `{"status":"OK"}`, string(events[0].Value))
	assert.Equal(t, prefix+"2", events[1].Key)

	value, ok, err := store.Get(ctx, prefix+"1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"status":"OK"}`, string(value))

	_, ok, err = store.Get(ctx, prefix+"missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	testStore(t, store)
}

func TestMemory_WatchStopsOnCancel(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var rec recorder
	require.NoError(t, store.Watch(ctx, "uas", rec.add))
	cancel()

	require.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return len(store.watchers) == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, store.Put(context.Background(), "uas1", []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestMemory_Closed(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Put(ctx, "k", nil), ErrClosed)
	_, _, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Watch(ctx, "k", func(Event) {}), ErrClosed)
}

func TestMemory_PutCopiesValue(t *testing.T) {
	store := NewMemory()
	value := []byte("abc")
	require.NoError(t, store.Put(context.Background(), "k", value))
	value[0] = 'z'

	got, _, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestOpen(t *testing.T) {
	store, err := Open(context.Background(), Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)

	_, err = Open(context.Background(), Config{Backend: "zookeeper"})
	assert.Error(t, err)
}

func TestOpenOrMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// nothing listens on port 1
	store := OpenOrMemory(context.Background(), Config{
		Backend:     BackendRedis,
		RedisURL:    "redis://127.0.0.1:1/0",
		DialTimeout: 200 * time.Millisecond,
	}, logger)
	defer store.Close()
	assert.IsType(t, &Memory{}, store)
}

func TestEtcd(t *testing.T) {
	endpoints := os.Getenv("UTM_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("UTM_TEST_ETCD_ENDPOINTS not set")
	}
	store, err := NewEtcd(context.Background(), strings.Split(endpoints, ","), 5*time.Second)
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestRedis(t *testing.T) {
	url := os.Getenv("UTM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("UTM_TEST_REDIS_URL not set")
	}
	store, err := NewRedis(context.Background(), url, 5*time.Second)
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestNewEtcd_NoEndpoints(t *testing.T) {
	_, err := NewEtcd(context.Background(), nil, time.Second)
	assert.Error(t, err)
}
