package gps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// Source produces the position reported by a stub.
type Source func(now time.Time) telemetry.Position

// Fixed always reports p.
func Fixed(p telemetry.Position) Source {
	return func(time.Time) telemetry.Position { return p }
}

// Orbit flies a horizontal circle of the given radius around center, one
// lap per period, starting at start.
func Orbit(center telemetry.Position, radius float64, period time.Duration, start time.Time) Source {
	return func(now time.Time) telemetry.Position {
		angle := 2 * math.Pi * float64(now.Sub(start)) / float64(period)
		return telemetry.Position{
			center[0] + radius*math.Cos(angle),
			center[1] + radius*math.Sin(angle),
			center[2],
		}
	}
}

// Stub serves positions on a GPS socket. It stands in for the network
// emulator when running without one.
type Stub struct {
	listener net.Listener
	source   Source
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ListenStub creates the socket of aircraft tag in dir, replacing a stale
// one.
func ListenStub(dir, tag string, source Source, logger *slog.Logger) (*Stub, error) {
	path := SocketPath(dir, tag)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, &utmnet.BindError{Network: "unix", Addr: path, Err: err}
	}
	return &Stub{listener: listener, source: source, logger: logger}, nil
}

// Path returns the socket path.
func (s *Stub) Path() string {
	return s.listener.Addr().String()
}

// Serve answers requests until ctx is canceled or Close is called.
func (s *Stub) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}

			// back off on repeated failures such as EMFILE
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("gps accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Stub) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(DefaultTimeout))

	frame, err := utmnet.DecodeFrame(conn)
	if err != nil {
		s.logger.Warn("gps request dropped", "error", err)
		return
	}

	var req Request
	if err := frame.Decode(&req); err != nil || req.Op != OpGetPosition {
		s.logger.Warn("unsupported gps request", "op", req.Op, "error", err)
		return
	}

	data, err := utmnet.Encode(frame.ID, s.source(time.Now()))
	if err != nil {
		s.logger.Error("encode position", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("gps response failed", "error", err)
	}
}

// Close stops the stub and removes its socket.
func (s *Stub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
	})
	return err
}
