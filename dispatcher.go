package utmnet

import (
	"net"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming frames.
//
// For UDP datagrams conn is nil since there is no reply channel. For TCP
// requests conn is the accepted connection; the handler calls Respond on it
// if a reply is owed. The connection is closed once Handle returns.
//
// The frame has already been validated. Deserializing the payload with
// frame.Decode is the handler's job.
type Handler interface {
	Handle(frame *Frame, from net.Addr, conn *Conn)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(frame *Frame, from net.Addr, conn *Conn)

// Handle implements Handler.
func (f HandlerFunc) Handle(frame *Frame, from net.Addr, conn *Conn) {
	f(frame, from, conn)
}

// dispatcher validates inbound frames and hands them to the handler. It
// decouples socket I/O from application logic: errors are logged at the
// narrowest scope and never reach the serving loop.
type dispatcher struct {
	handler Handler
	codec   Codec
	logger  Logger
}

// dispatchStream serves exactly one request on an accepted connection.
func (d *dispatcher) dispatchStream(conn *Conn, readTimeout time.Duration) {
	defer conn.Close()

	if readTimeout > 0 {
		_ = conn.rawConn.SetReadDeadline(time.Now().Add(readTimeout))
	}

	frame, err := d.codec.Decode(conn.rawConn)
	if err != nil {
		d.logger.Warn("dropping request", "remote_addr", conn.Addr(), "error", err)
		return
	}

	if readTimeout > 0 {
		_ = conn.rawConn.SetReadDeadline(time.Time{})
	}

	d.logger.Debug("request received", "remote_addr", conn.Addr(), "msg_id", FormatID(frame.ID))
	d.invoke(frame, conn.Addr(), conn)
}

// dispatchPacket serves one datagram on the receive goroutine.
func (d *dispatcher) dispatchPacket(data []byte, from net.Addr) {
	frame, err := decodeDatagram(d.codec, data)
	if err != nil {
		d.logger.Warn("dropping datagram", "remote_addr", from, "size", len(data), "error", err)
		return
	}

	d.logger.Debug("datagram received", "remote_addr", from, "msg_id", FormatID(frame.ID))
	d.invoke(frame, from, nil)
}

func (d *dispatcher) invoke(frame *Frame, from net.Addr, conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				"remote_addr", from,
				"msg_id", FormatID(frame.ID),
				"error", errors.Errorf("%v", r),
				"stack", string(debug.Stack()))
		}
	}()

	d.handler.Handle(frame, from, conn)
}
