package utmnet

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is one end of a single TCP request/response exchange. On the accept
// side it is handed to the Handler so it can respond; it is owned by the
// goroutine serving it and closed when the exchange completes or fails.
type Conn struct {
	rawConn net.Conn
	codec   Codec
	logger  Logger

	closed atomic.Bool
}

func newConn(c net.Conn, opts options) *Conn {
	return &Conn{
		rawConn: c,
		codec:   opts.codec,
		logger:  opts.logger,
	}
}

// Respond writes a framed response and closes the connection.
// A connection carries exactly one response; later calls fail with
// ErrConnectionClosed.
func (c *Conn) Respond(id uint32, payload any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	defer c.Close()

	if err := c.writeFrame(id, payload); err != nil {
		c.logger.Debug("respond failed", "remote_addr", c.Addr(), "msg_id", FormatID(id), "error", err)
		return err
	}
	return nil
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

func (c *Conn) writeFrame(id uint32, payload any) error {
	data, err := c.codec.Encode(id, payload)
	if err != nil {
		return err
	}
	if _, err := c.rawConn.Write(data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Conn) readFrame() (*Frame, error) {
	frame, err := c.codec.Decode(c.rawConn)
	if err != nil {
		return nil, errors.Wrap(err, "read frame")
	}
	return frame, nil
}

func (c *Conn) setDeadline(t time.Time) {
	_ = c.rawConn.SetDeadline(t)
}
