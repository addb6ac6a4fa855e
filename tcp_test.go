package utmnet

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestTCP(t *testing.T, handler Handler, opt ...Option) *TCPTransport {
	t.Helper()
	opt = append([]Option{LoggerOption(discardLogger())}, opt...)
	tr, err := NewTCPTransport("127.0.0.1:0", handler, opt...)
	if err != nil {
		t.Fatalf("NewTCPTransport failed: %v", err)
	}
	return tr
}

// runTCP starts Run in a goroutine and stops the transport when the test
// ends.
func runTCP(t *testing.T, tr *TCPTransport) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(context.Background())
	}()
	t.Cleanup(func() {
		tr.Stop()
		<-tr.Done()
	})
	waitState(t, tr.State, StateRunning)
	return done
}

func waitState(t *testing.T, state func() State, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for state() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", state(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		var payload any
		if err := frame.Decode(&payload); err != nil {
			return
		}
		_ = conn.Respond(frame.ID, payload)
	})
}

func TestNewTCPTransport_NilHandler(t *testing.T) {
	_, err := NewTCPTransport("127.0.0.1:0", nil)
	if !errors.Is(err, ErrInvalidHandler) {
		t.Errorf("err = %v, want ErrInvalidHandler", err)
	}
}

func TestNewTCPTransport_BindError(t *testing.T) {
	first := newTestTCP(t, echoHandler())
	defer first.Stop()

	_, err := NewTCPTransport(first.Addr().String(), echoHandler())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("err = %v, want *BindError", err)
	}
	if bindErr.Network != "tcp" {
		t.Errorf("Network = %s, want tcp", bindErr.Network)
	}
}

func TestTCPTransport_RequestResponse(t *testing.T) {
	server := newTestTCP(t, echoHandler())
	runTCP(t, server)

	client := newTestTCP(t, echoHandler())
	defer client.Stop()

	response, err := client.Send(context.Background(), server.Addr().String(), 0xbeef, []any{"PING", int64(7)})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if response.IsTimeout() {
		t.Fatal("unexpected TIMEOUT sentinel")
	}
	if response.ID != 0xbeef {
		t.Errorf("ID = %x, want beef", response.ID)
	}

	var got struct {
		_msgpack struct{} `msgpack:",as_array"`

		Op string
		N  int
	}
	if err := response.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Op != "PING" || got.N != 7 {
		t.Errorf("response = %+v, want {PING 7}", got)
	}
}

func TestTCPTransport_ConcurrentRequests(t *testing.T) {
	server := newTestTCP(t, echoHandler())
	runTCP(t, server)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			response, err := server.Send(context.Background(), server.Addr().String(), id, id)
			if err != nil {
				failures.Add(1)
				return
			}
			var v uint32
			if err := response.Decode(&v); err != nil || v != id || response.ID != id {
				failures.Add(1)
			}
		}(uint32(i + 1))
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Errorf("%d requests failed", n)
	}
}

func TestTCPTransport_Unreachable(t *testing.T) {
	// grab a free port and release it so nothing listens there
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	client := newTestTCP(t, echoHandler())
	defer client.Stop()

	start := time.Now()
	response, err := client.Send(context.Background(), addr, 1, "PING")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !response.IsTimeout() {
		t.Fatal("expected TIMEOUT sentinel")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Send took %v", elapsed)
	}

	var payload []string
	if err := response.Decode(&payload); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(payload) != 1 || payload[0] != TimeoutTag {
		t.Errorf("payload = %v", payload)
	}
}

func TestTCPTransport_NoResponse(t *testing.T) {
	silent := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {})
	server := newTestTCP(t, silent)
	runTCP(t, server)

	client := newTestTCP(t, silent, SendTimeoutOption(time.Second))
	defer client.Stop()

	// the handler returns without responding, so the connection is closed
	response, err := client.Send(context.Background(), server.Addr().String(), 1, "PING")
	if err == nil {
		t.Fatalf("expected error, got %v", response)
	}
}

func TestTCPTransport_SendTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		<-release
	})
	server := newTestTCP(t, slow)
	runTCP(t, server)
	defer close(release)

	client := newTestTCP(t, slow, SendTimeoutOption(200*time.Millisecond))
	defer client.Stop()

	start := time.Now()
	_, err := client.Send(context.Background(), server.Addr().String(), 1, "PING")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send took %v", elapsed)
	}
}

func TestTCPTransport_StopIdempotent(t *testing.T) {
	server := newTestTCP(t, echoHandler())

	done := make(chan error, 1)
	go func() {
		done <- server.Run(context.Background())
	}()
	waitState(t, server.State, StateRunning)

	if err := server.Stop(); err != nil {
		t.Errorf("first Stop failed: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if server.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", server.State())
	}
	if err := server.Run(context.Background()); !errors.Is(err, ErrTransportStopped) {
		t.Errorf("Run after Stop = %v, want ErrTransportStopped", err)
	}
}

func TestTCPTransport_ContextCancel(t *testing.T) {
	server := newTestTCP(t, echoHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx)
	}()
	waitState(t, server.State, StateRunning)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-server.Done()
}

func TestTCPTransport_RunTwice(t *testing.T) {
	server := newTestTCP(t, echoHandler())
	runTCP(t, server)

	if err := server.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestTCPTransport_HandlerPanic(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		_ = conn.Respond(frame.ID, "ok")
	})
	server := newTestTCP(t, handler)
	runTCP(t, server)

	if _, err := server.Send(context.Background(), server.Addr().String(), 1, "first"); err == nil {
		t.Error("expected error from panicking handler")
	}

	response, err := server.Send(context.Background(), server.Addr().String(), 2, "second")
	if err != nil {
		t.Fatalf("Send after panic failed: %v", err)
	}
	var got string
	if err := response.Decode(&got); err != nil || got != "ok" {
		t.Errorf("response = %q, err = %v", got, err)
	}
}

func TestTCPTransport_CorruptRequest(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		calls.Add(1)
		_ = conn.Respond(frame.ID, "ok")
	})
	server := newTestTCP(t, handler)
	runTCP(t, server)

	raw, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	raw.Write([]byte{0, 0, 0, 2, 0xc1, 0xc1})
	raw.SetReadDeadline(time.Now().Add(time.Second))

	// the server drops the request and closes the connection
	if _, err := io.ReadAll(raw); err != nil {
		t.Errorf("ReadAll failed: %v", err)
	}
	raw.Close()

	if calls.Load() != 0 {
		t.Errorf("handler called %d times for corrupt request", calls.Load())
	}

	if _, err := server.Send(context.Background(), server.Addr().String(), 1, "PING"); err != nil {
		t.Errorf("Send after corrupt request failed: %v", err)
	}
}

func TestTCPTransport_RespondTwice(t *testing.T) {
	errs := make(chan error, 1)
	handler := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		if conn.IsClosed() {
			errs <- errors.New("connection closed before the response")
			return
		}
		_ = conn.Respond(frame.ID, "first")
		if !conn.IsClosed() {
			errs <- errors.New("connection still open after Respond")
			return
		}
		errs <- conn.Respond(frame.ID, "second")
	})
	server := newTestTCP(t, handler)
	runTCP(t, server)

	if _, err := server.Send(context.Background(), server.Addr().String(), 1, "PING"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second Respond = %v, want ErrConnectionClosed", err)
	}
}

func TestTCPTransport_MaxConnections(t *testing.T) {
	var active, peak atomic.Int32
	handler := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		_ = conn.Respond(frame.ID, "ok")
	})
	server := newTestTCP(t, handler, MaxConnectionsOption(2))
	runTCP(t, server)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			server.Send(context.Background(), server.Addr().String(), id, "PING")
		}(uint32(i))
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent handlers = %d, want <= 2", p)
	}
}

func TestTCPTransport_ShutdownForceClose(t *testing.T) {
	started := make(chan struct{})
	handler := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		close(started)
		// blocks until the connection is force-closed
		buf := make([]byte, 1)
		conn.rawConn.Read(buf)
	})
	server := newTestTCP(t, handler, ShutdownTimeoutOption(50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- server.Run(context.Background())
	}()
	waitState(t, server.State, StateRunning)

	go server.Send(context.Background(), server.Addr().String(), 1, "PING")
	<-started

	server.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown timeout")
	}
}

func TestTCPTransport_StopWaitsForExchange(t *testing.T) {
	started := make(chan struct{})
	handler := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		_ = conn.Respond(frame.ID, "PONG")
	})
	server := newTestTCP(t, handler)

	done := make(chan error, 1)
	go func() {
		done <- server.Run(context.Background())
	}()
	waitState(t, server.State, StateRunning)

	type result struct {
		frame *Frame
		err   error
	}
	replies := make(chan result, 1)
	go func() {
		frame, err := server.Send(context.Background(), server.Addr().String(), 1, "PING")
		replies <- result{frame, err}
	}()
	<-started

	server.Stop()

	r := <-replies
	if r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}
	var reply string
	if err := r.frame.Decode(&reply); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if reply != "PONG" {
		t.Errorf("reply = %q, want PONG", reply)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the exchange")
	}
}

func TestTCPTransport_SendCanceled(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := HandlerFunc(func(frame *Frame, from net.Addr, conn *Conn) {
		close(started)
		<-release
	})
	server := newTestTCP(t, slow)
	runTCP(t, server)
	defer close(release)

	client := newTestTCP(t, slow, SendTimeoutOption(time.Minute))
	defer client.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	_, err := client.Send(ctx, server.Addr().String(), 1, "PING")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send took %v", elapsed)
	}
}

func TestTCPTransport_Port(t *testing.T) {
	server := newTestTCP(t, echoHandler())
	defer server.Stop()

	addr := server.Addr().(*net.TCPAddr)
	if server.Port() != addr.Port || server.Port() == 0 {
		t.Errorf("Port = %d, addr port = %d", server.Port(), addr.Port)
	}
}

func TestTCPTransport_StopBeforeRun(t *testing.T) {
	server := newTestTCP(t, echoHandler())
	server.Stop()

	select {
	case <-server.Done():
	default:
		t.Fatal("Done not closed after Stop on a transport that never ran")
	}
	if server.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", server.State())
	}
}
