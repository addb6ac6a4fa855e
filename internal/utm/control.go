package utm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// Control channel operations.
const (
	OpPing = "PING"
	OpLast = "LAST"
)

// Control channel replies that are not reports.
const (
	ReplyPong  = "PONG"
	ReplyError = "ERROR"
)

// ErrUnreachable is returned when the queried server refused the
// connection.
var ErrUnreachable = errors.New("utm server unreachable")

// Query is a control channel request: [op, aircraft].
type Query struct {
	_msgpack struct{} `msgpack:",as_array"`

	Op       string
	Aircraft string
}

func (s *Server) handleQuery(frame *utmnet.Frame, from net.Addr, conn *utmnet.Conn) {
	var q Query
	if err := frame.Decode(&q); err != nil {
		s.logger.Warn("received invalid query", "remote_addr", from, "error", err)
		if err := conn.Respond(frame.ID, ReplyError); err != nil {
			s.logger.Debug("failed to answer query", "remote_addr", from, "error", err)
		}
		return
	}

	var reply any
	switch q.Op {
	case OpPing:
		reply = ReplyPong
	case OpLast:
		report, ok := s.Last(context.Background(), q.Aircraft)
		if !ok {
			report = telemetry.Report{Aircraft: q.Aircraft, Status: telemetry.StatusUnknown}
		}
		reply = report
	default:
		s.logger.Warn("unknown query", "remote_addr", from, "op", q.Op)
		reply = ReplyError
	}

	if err := conn.Respond(frame.ID, reply); err != nil {
		s.logger.Debug("failed to answer query", "remote_addr", from, "op", q.Op, "error", err)
	}
}

// Ping checks that the UTM server at destination answers.
func Ping(ctx context.Context, t *utmnet.TCPTransport, destination string, id uint32) error {
	frame, err := t.Send(ctx, destination, id, Query{Op: OpPing})
	if err != nil {
		return err
	}
	if frame.IsTimeout() {
		return ErrUnreachable
	}

	var reply string
	if err := frame.Decode(&reply); err != nil {
		return err
	}
	if reply != ReplyPong {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// QueryLast asks the UTM server at destination for the last report of
// aircraft. An aircraft the server has not heard of comes back with
// status UNKNOWN.
func QueryLast(ctx context.Context, t *utmnet.TCPTransport, destination string, id uint32, aircraft string) (telemetry.Report, error) {
	frame, err := t.Send(ctx, destination, id, Query{Op: OpLast, Aircraft: aircraft})
	if err != nil {
		return telemetry.Report{}, err
	}
	if frame.IsTimeout() {
		return telemetry.Report{}, ErrUnreachable
	}

	var report telemetry.Report
	if err := frame.Decode(&report); err != nil {
		return telemetry.Report{}, err
	}
	return report, nil
}
