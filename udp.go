package utmnet

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// UDPTransport is a best-effort datagram transport bound to one port. It is
// used for periodic aircraft beacons: no acknowledgment, no retry and no
// ordering.
//
// The handler runs synchronously on the receive goroutine, so a slow handler
// delays the following datagrams. This is acceptable for low-rate beacons.
type UDPTransport struct {
	conn net.PacketConn
	port int
	opts options
	disp *dispatcher
	lc   *lifecycle

	closeOnce sync.Once
}

// NewUDPTransport binds a datagram socket on addr (for example ":44444")
// and returns a transport that delivers received frames to handler once Run
// is called. A bind failure is reported as *BindError.
func NewUDPTransport(addr string, handler Handler, opt ...Option) (*UDPTransport, error) {
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	opts := newOptions(opt...)

	lc := net.ListenConfig{Control: controlSocket}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, &BindError{Network: "udp", Addr: addr, Err: err}
	}

	port := 0
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = udpAddr.Port
	}

	if opts.wrapPacketConn != nil {
		conn = opts.wrapPacketConn(conn)
	}

	t := &UDPTransport{
		conn: conn,
		port: port,
		opts: opts,
		disp: &dispatcher{handler: handler, codec: opts.codec, logger: opts.logger},
	}
	t.lc = newLifecycle(t.closeConn)
	return t, nil
}

// Run receives datagrams until the transport is stopped or ctx is canceled.
// It returns nil on a requested stop.
func (t *UDPTransport) Run(ctx context.Context) error {
	ctx, err := t.lc.begin(ctx)
	if err != nil {
		return err
	}
	defer t.lc.finish()
	defer t.closeConn()

	t.opts.logger.Info("udp transport started", "addr", t.conn.LocalAddr())

	buffer := make([]byte, maxDatagramSize)
	for t.lc.running() {
		n, from, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if !t.lc.running() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				t.opts.logger.Error("udp socket closed unexpectedly", "addr", t.conn.LocalAddr())
				return err
			}
			t.opts.logger.Warn("udp receive error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		t.disp.dispatchPacket(data, from)
	}

	t.opts.logger.Info("udp transport stopped", "addr", t.conn.LocalAddr(), "reason", context.Cause(ctx))
	return nil
}

// Send encodes payload and writes it as a single datagram to destination.
// destination is a host, in which case the transport's own port is used, or
// a host:port pair. Delivery is not guaranteed; errors are returned so the
// caller can log and drop the message.
func (t *UDPTransport) Send(destination string, id uint32, payload any) error {
	if t.lc.State() == StateStopped || t.lc.State() == StateStopping {
		return ErrTransportStopped
	}

	data, err := t.opts.codec.Encode(id, payload)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", withPort(destination, t.port))
	if err != nil {
		t.opts.logger.Debug("udp send failed", "destination", destination, "error", err)
		return errors.Wrapf(err, "resolve %s", destination)
	}

	if _, err := t.conn.WriteTo(data, addr); err != nil {
		t.opts.logger.Debug("udp send failed", "destination", addr, "msg_id", FormatID(id), "error", err)
		return errors.Wrapf(err, "send to %s", addr)
	}
	return nil
}

// Stop stops the receive loop. It may be called more than once and from
// within the handler.
func (t *UDPTransport) Stop() error {
	t.lc.stop()
	return nil
}

// Done is closed once the transport reaches StateStopped.
func (t *UDPTransport) Done() <-chan struct{} {
	return t.lc.done
}

// State returns the lifecycle state.
func (t *UDPTransport) State() State {
	return t.lc.State()
}

// Addr returns the bound local address.
func (t *UDPTransport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// Port returns the bound local port.
func (t *UDPTransport) Port() int {
	return t.port
}

// closeConn closes the socket once; later errors are swallowed.
func (t *UDPTransport) closeConn() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})
}

// withPort appends port to destination unless it already has one.
func withPort(destination string, port int) string {
	if _, _, err := net.SplitHostPort(destination); err == nil {
		return destination
	}
	return net.JoinHostPort(destination, strconv.Itoa(port))
}
