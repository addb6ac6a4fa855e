// Package gps connects a UAS client to the position source of the network
// emulator. The emulator exposes one unix socket per aircraft; each exchange
// is a single framed request answered by a framed position.
package gps

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// OpGetPosition is the only request the GPS socket understands.
const OpGetPosition = "GET_POSITION"

// DefaultTimeout bounds one position exchange.
const DefaultTimeout = time.Second

// Request is the payload sent on the GPS socket: [tag, op].
type Request struct {
	_msgpack struct{} `msgpack:",as_array"`

	Tag string
	Op  string
}

// SocketPath returns the socket of aircraft tag in dir.
func SocketPath(dir, tag string) string {
	return filepath.Join(dir, tag+"_gps.sock")
}

// Bridge polls positions for one aircraft.
type Bridge struct {
	path    string
	tag     string
	timeout time.Duration
	logger  *slog.Logger
	seq     atomic.Uint32
}

// NewBridge returns a bridge for aircraft tag whose socket lives in dir.
func NewBridge(dir, tag string, logger *slog.Logger) *Bridge {
	return &Bridge{
		path:    SocketPath(dir, tag),
		tag:     tag,
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// Position asks the emulator for the current position. It returns
// telemetry.Unavailable when the socket is missing or the exchange fails.
func (b *Bridge) Position(ctx context.Context) telemetry.Position {
	pos, err := b.query(ctx)
	if err != nil {
		b.logger.Debug("gps unavailable", "socket", b.path, "error", err)
		return telemetry.Unavailable
	}
	return pos
}

func (b *Bridge) query(ctx context.Context) (telemetry.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", b.path)
	if err != nil {
		return telemetry.Unavailable, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := utmnet.Encode(b.seq.Add(1), Request{Tag: b.tag, Op: OpGetPosition})
	if err != nil {
		return telemetry.Unavailable, err
	}
	if _, err := conn.Write(data); err != nil {
		return telemetry.Unavailable, err
	}

	frame, err := utmnet.DecodeFrame(conn)
	if err != nil {
		return telemetry.Unavailable, err
	}
	var pos telemetry.Position
	if err := frame.Decode(&pos); err != nil {
		return telemetry.Unavailable, err
	}
	return pos, nil
}
