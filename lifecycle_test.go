package utmnet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateCreated:  "CREATED",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
		StateStopped:  "STOPPED",
		State(42):     "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d) = %s, want %s", state, got, want)
		}
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	var unblocked atomic.Int32
	lc := newLifecycle(func() { unblocked.Add(1) })

	if lc.State() != StateCreated {
		t.Fatalf("initial state = %s", lc.State())
	}

	ctx, err := lc.begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if !lc.running() {
		t.Fatal("not running after begin")
	}
	if _, err := lc.begin(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second begin = %v, want ErrAlreadyRunning", err)
	}

	lc.stop()
	if lc.State() != StateStopping {
		t.Errorf("state after stop = %s, want STOPPING", lc.State())
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled by stop")
	}

	lc.finish()
	if lc.State() != StateStopped {
		t.Errorf("state after finish = %s, want STOPPED", lc.State())
	}
	<-lc.done

	lc.stop()
	if n := unblocked.Load(); n != 1 {
		t.Errorf("unblock called %d times, want 1", n)
	}
	if _, err := lc.begin(context.Background()); !errors.Is(err, ErrTransportStopped) {
		t.Errorf("begin after stop = %v, want ErrTransportStopped", err)
	}
}

func TestLifecycle_StopBeforeBegin(t *testing.T) {
	var unblocked atomic.Int32
	lc := newLifecycle(func() { unblocked.Add(1) })

	lc.stop()
	if lc.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", lc.State())
	}
	select {
	case <-lc.done:
	default:
		t.Error("done not closed")
	}
	if unblocked.Load() != 1 {
		t.Errorf("unblock called %d times, want 1", unblocked.Load())
	}
}

func TestLifecycle_ContextCancel(t *testing.T) {
	unblocked := make(chan struct{})
	lc := newLifecycle(func() { close(unblocked) })

	parent, cancel := context.WithCancel(context.Background())
	if _, err := lc.begin(parent); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	cancel()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("cancel did not stop the lifecycle")
	}
	if lc.running() {
		t.Error("still running after cancel")
	}
	lc.finish()
}

func TestLifecycle_ConcurrentStop(t *testing.T) {
	var unblocked atomic.Int32
	lc := newLifecycle(func() { unblocked.Add(1) })
	if _, err := lc.begin(context.Background()); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lc.stop()
		}()
	}
	wg.Wait()
	lc.finish()

	if n := unblocked.Load(); n != 1 {
		t.Errorf("unblock called %d times, want 1", n)
	}
}
