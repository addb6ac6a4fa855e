package utmnet

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a transport.
type State int32

// Transport states. A transport only ever moves forward through them.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// lifecycle drives the CREATED -> RUNNING -> STOPPING -> STOPPED state
// machine of a transport. The serving primitive (Accept, ReadFrom) has no
// cancellation of its own, so stopping a running transport closes it through
// the unblock function.
type lifecycle struct {
	state   atomic.Int32
	done    chan struct{}
	once    sync.Once
	unblock func()

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newLifecycle(unblock func()) *lifecycle {
	return &lifecycle{
		done:    make(chan struct{}),
		unblock: unblock,
	}
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// begin moves CREATED to RUNNING and returns the context the serving loop
// must honour. The context is canceled by stop.
func (l *lifecycle) begin(ctx context.Context) (context.Context, error) {
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if l.State() == StateRunning {
			return nil, ErrAlreadyRunning
		}
		return nil, ErrTransportStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	// context cancellation is equivalent to Stop
	go func() {
		select {
		case <-ctx.Done():
			l.stop()
		case <-l.done:
		}
	}()

	return ctx, nil
}

// running reports whether the serving loop should keep going.
func (l *lifecycle) running() bool {
	return l.State() == StateRunning
}

// stop requests termination. It is safe to call any number of times from
// any goroutine, including the serving loop itself.
func (l *lifecycle) stop() {
	if l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		l.mu.Lock()
		cancel := l.cancel
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		l.unblock()
		return
	}

	// never started: there is no loop to wait for
	if l.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		l.unblock()
		l.finish()
	}
}

// finish marks the transport STOPPED. Called by the serving loop on exit.
func (l *lifecycle) finish() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	l.state.Store(int32(StateStopped))
	l.once.Do(func() { close(l.done) })
}
