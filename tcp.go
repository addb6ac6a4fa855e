package utmnet

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// TCPTransport is a one-shot request/response transport. The accept side
// serves every connection on its own goroutine, reading exactly one request
// frame and handing it to the handler. The initiating side opens one
// connection per Send.
type TCPTransport struct {
	listener net.Listener
	port     int
	opts     options
	disp     *dispatcher
	lc       *lifecycle
	dialer   net.Dialer
	sem      *semaphore.Weighted

	mu      sync.Mutex
	active  map[*Conn]struct{}
	handles sync.WaitGroup

	closeOnce sync.Once
}

// NewTCPTransport creates a TCP transport listening on addr (for example
// ":55555"). Frames received once Run is called are delivered to handler.
// A bind failure is reported as *BindError.
func NewTCPTransport(addr string, handler Handler, opt ...Option) (*TCPTransport, error) {
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	opts := newOptions(opt...)

	lc := net.ListenConfig{Control: controlSocket}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, &BindError{Network: "tcp", Addr: addr, Err: err}
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	t := &TCPTransport{
		listener: listener,
		port:     port,
		opts:     opts,
		disp:     &dispatcher{handler: handler, codec: opts.codec, logger: opts.logger},
		dialer:   net.Dialer{Timeout: opts.sendTimeout},
		active:   make(map[*Conn]struct{}),
	}
	if opts.maxConnections > 0 {
		t.sem = semaphore.NewWeighted(opts.maxConnections)
	}
	t.lc = newLifecycle(t.closeListener)
	return t, nil
}

// Run accepts connections until the transport is stopped or ctx is
// canceled, then waits for in-flight handlers. It returns nil on a requested
// stop.
func (t *TCPTransport) Run(ctx context.Context) error {
	ctx, err := t.lc.begin(ctx)
	if err != nil {
		return err
	}
	defer t.lc.finish()

	t.opts.logger.Info("tcp transport started", "addr", t.listener.Addr())

	var backoff time.Duration
	for t.lc.running() {
		if t.sem != nil {
			if err := t.sem.Acquire(ctx, 1); err != nil {
				break
			}
		}

		raw, err := t.listener.Accept()
		if err != nil {
			t.release()
			if !t.lc.running() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				t.opts.logger.Error("listener closed unexpectedly", "addr", t.listener.Addr())
				t.drain()
				return err
			}

			// back off on repeated failures such as EMFILE
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			t.opts.logger.Warn("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		conn := newConn(raw, t.opts)
		t.track(conn)
		t.opts.logger.Debug("accepted connection", "remote_addr", conn.Addr())

		t.handles.Add(1)
		go func() {
			defer t.handles.Done()
			defer t.release()
			defer t.untrack(conn)
			t.disp.dispatchStream(conn, t.opts.readTimeout)
		}()
	}

	t.closeListener()
	t.drain()
	t.opts.logger.Info("tcp transport stopped", "addr", t.listener.Addr())
	return nil
}

// Send opens a connection to destination, writes a request frame and waits
// for the response frame, all within the send timeout. destination is a
// host, in which case the transport's own port is used, or a host:port pair.
//
// A refused connection is not an error: Send returns the TIMEOUT sentinel
// frame (see Frame.IsTimeout) so that callers polling peers can treat an
// absent peer as a degraded response. Every other failure returns an error
// and no frame.
func (t *TCPTransport) Send(ctx context.Context, destination string, id uint32, payload any) (*Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.sendTimeout)
	defer cancel()

	addr := withPort(destination, t.port)
	raw, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			t.opts.logger.Debug("peer unreachable", "destination", addr, "msg_id", FormatID(id))
			return timeoutFrame(), nil
		}
		t.opts.logger.Debug("tcp send failed", "destination", addr, "msg_id", FormatID(id), "error", err)
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	conn := newConn(raw, t.opts)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.setDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.writeFrame(id, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(ctxErr, "write frame")
		}
		t.opts.logger.Debug("tcp send failed", "destination", addr, "msg_id", FormatID(id), "error", err)
		return nil, err
	}

	response, err := conn.readFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(ctxErr, "read frame")
		}
		t.opts.logger.Debug("tcp response failed", "destination", addr, "msg_id", FormatID(id), "error", err)
		return nil, err
	}
	return response, nil
}

// Respond writes a framed response on an accepted connection and closes it.
func (t *TCPTransport) Respond(conn *Conn, id uint32, payload any) error {
	return conn.Respond(id, payload)
}

// Stop stops accepting connections. Run waits for in-flight handlers to
// complete their exchange; with ShutdownTimeoutOption, handlers still running
// when it expires have their connections closed. Stop may be called more
// than once.
func (t *TCPTransport) Stop() error {
	t.lc.stop()
	return nil
}

// Done is closed once the transport reaches StateStopped.
func (t *TCPTransport) Done() <-chan struct{} {
	return t.lc.done
}

// State returns the lifecycle state.
func (t *TCPTransport) State() State {
	return t.lc.State()
}

// Addr returns the listener's network address.
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// Port returns the bound local port.
func (t *TCPTransport) Port() int {
	return t.port
}

// drain waits for handler goroutines to finish their exchange. With a
// positive shutdown timeout, connections still open when it expires are
// force-closed.
func (t *TCPTransport) drain() {
	if t.opts.shutdownTimeout <= 0 {
		t.handles.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		t.handles.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(t.opts.shutdownTimeout):
	}

	t.mu.Lock()
	for conn := range t.active {
		_ = conn.Close()
	}
	t.mu.Unlock()
	<-done
}

func (t *TCPTransport) track(conn *Conn) {
	t.mu.Lock()
	t.active[conn] = struct{}{}
	t.mu.Unlock()
}

func (t *TCPTransport) untrack(conn *Conn) {
	t.mu.Lock()
	delete(t.active, conn)
	t.mu.Unlock()
}

func (t *TCPTransport) release() {
	if t.sem != nil {
		t.sem.Release(1)
	}
}

// closeListener closes the listener once; later errors are swallowed.
func (t *TCPTransport) closeListener() {
	t.closeOnce.Do(func() {
		_ = t.listener.Close()
	})
}
