// Package uas implements the aircraft side of the testbed: a client that
// broadcasts its position and status as a beacon on every interval.
package uas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/historic"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// Defaults.
const (
	DefaultInterval      = 10 * time.Second
	DefaultSession       = 120 * time.Second
	DefaultBroadcastAddr = "12.0.0.255"
)

// maxSalt bounds the random part of a message id.
const maxSalt = 10000

// PositionSource reports the current position of the aircraft.
// *gps.Bridge is the production implementation.
type PositionSource interface {
	Position(ctx context.Context) telemetry.Position
}

// Config configures a Client.
type Config struct {
	// Tag identifies the aircraft.
	Tag string
	// ListenAddr is the local beacon socket, ":44444" by default.
	ListenAddr string
	// BroadcastAddr receives every beacon. A bare host is addressed on the
	// port of ListenAddr.
	BroadcastAddr string
	// Interval between two beacons.
	Interval time.Duration
	// Session is how long sent beacons are written to the report log.
	// Beaconing goes on after the session ends. Zero means forever.
	Session time.Duration
	// StartupDelay postpones the first beacon, giving routing time to
	// settle.
	StartupDelay time.Duration
	// Velocity and Status are the initial values broadcast.
	Velocity float64
	Status   string
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", utmnet.DefaultUDPPort)
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = DefaultBroadcastAddr
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Status == "" {
		c.Status = telemetry.StatusOK
	}
}

// Client broadcasts beacons for one aircraft.
type Client struct {
	cfg       Config
	gps       PositionSource
	transport *utmnet.UDPTransport
	logger    *slog.Logger

	mu       sync.Mutex
	velocity float64
	status   string
	reports  historic.Log // nil once the session is over

	started time.Time
	sent    atomic.Uint64
	salt    func() int
}

// New binds the beacon socket. reports may be nil, in which case sent
// beacons are not logged. Transport options are passed to the UDP
// transport as is.
func New(cfg Config, gps PositionSource, reports historic.Log, logger *slog.Logger, opt ...utmnet.Option) (*Client, error) {
	if cfg.Tag == "" {
		return nil, errors.New("uas: empty aircraft tag")
	}
	if gps == nil {
		return nil, errors.New("uas: nil position source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	c := &Client{
		cfg:      cfg,
		gps:      gps,
		logger:   logger.With("aircraft", cfg.Tag),
		velocity: cfg.Velocity,
		status:   cfg.Status,
		reports:  reports,
		salt:     func() int { return rand.IntN(maxSalt + 1) },
	}

	opt = append([]utmnet.Option{utmnet.LoggerOption(c.logger)}, opt...)
	transport, err := utmnet.NewUDPTransport(cfg.ListenAddr, utmnet.HandlerFunc(c.handle), opt...)
	if err != nil {
		return nil, err
	}
	c.transport = transport
	return c, nil
}

// Addr returns the local beacon address.
func (c *Client) Addr() net.Addr {
	return c.transport.Addr()
}

// Sent returns the number of beacons sent so far.
func (c *Client) Sent() uint64 {
	return c.sent.Load()
}

// SetVelocity changes the velocity broadcast from the next beacon on.
func (c *Client) SetVelocity(v float64) {
	c.mu.Lock()
	c.velocity = v
	c.mu.Unlock()
}

// SetStatus changes the status broadcast from the next beacon on.
func (c *Client) SetStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// Run serves the beacon socket and broadcasts until ctx is canceled. The
// report log is closed before Run returns.
func (c *Client) Run(ctx context.Context) error {
	c.started = time.Now()
	defer c.endSession()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.transport.Run(ctx)
	})
	g.Go(func() error {
		defer c.transport.Stop()
		return c.broadcast(ctx)
	})
	return g.Wait()
}

func (c *Client) broadcast(ctx context.Context) error {
	if c.cfg.StartupDelay > 0 {
		c.logger.Info("waiting before first beacon", "delay", c.cfg.StartupDelay)
		select {
		case <-time.After(c.cfg.StartupDelay):
		case <-ctx.Done():
			return nil
		}
	}

	c.logger.Info("broadcasting beacons", "destination", c.cfg.BroadcastAddr, "interval", c.cfg.Interval)
	limiter := rate.NewLimiter(rate.Every(c.cfg.Interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// canceled
			return nil
		}
		if _, err := c.Beacon(ctx); err != nil {
			c.logger.Error("failed to broadcast beacon", "error", err)
		}
		if c.cfg.Session > 0 && time.Since(c.started) > c.cfg.Session {
			c.endSession()
		}
	}
}

// Beacon sends one report to the broadcast address and logs it. A send
// failure is returned but the report is still logged.
func (c *Client) Beacon(ctx context.Context) (telemetry.Report, error) {
	position := c.gps.Position(ctx)
	if position == telemetry.Unavailable {
		position = telemetry.Fallback
	}

	now := time.Now()
	c.mu.Lock()
	report := telemetry.Report{
		Created:   telemetry.Created(now),
		Aircraft:  c.cfg.Tag,
		Position:  position,
		Velocity:  c.velocity,
		Status:    c.status,
		MessageID: telemetry.NewMessageID(now, c.cfg.Tag, c.salt()),
	}
	c.mu.Unlock()

	err := c.transport.Send(c.cfg.BroadcastAddr, report.MessageID, report)
	if err == nil {
		c.sent.Add(1)
		c.logger.Debug("beacon sent", "msg_id", utmnet.FormatID(report.MessageID), "position", report.Position)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reports != nil {
		if logErr := c.reports.Append(ctx, historic.FromReport(time.Now(), report)); logErr != nil {
			c.logger.Warn("failed to log beacon", "error", logErr)
		}
	}
	return report, err
}

// endSession closes the report log once.
func (c *Client) endSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reports == nil {
		return
	}
	c.logger.Info("emulation session ended, saving report log")
	if err := c.reports.Close(); err != nil {
		c.logger.Error("failed to close report log", "error", err)
	}
	c.reports = nil
}

// handle receives the beacons of other aircraft sharing the broadcast
// domain. They are only traced.
func (c *Client) handle(frame *utmnet.Frame, from net.Addr, _ *utmnet.Conn) {
	var report telemetry.Report
	if err := frame.Decode(&report); err != nil {
		c.logger.Debug("ignoring datagram", "remote_addr", from, "error", err)
		return
	}
	if report.Aircraft == c.cfg.Tag {
		return
	}
	c.logger.Debug("beacon heard", "remote_addr", from, "from_aircraft", report.Aircraft, "msg_id", utmnet.FormatID(frame.ID))
}

// Close releases the beacon socket and the report log of a client that is
// not running.
func (c *Client) Close() error {
	c.transport.Stop()
	c.endSession()
	return nil
}
