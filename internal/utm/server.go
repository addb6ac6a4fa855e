// Package utm implements the ground side of the testbed: a UTM server that
// ingests aircraft beacons, publishes them to the shared key-value store and
// keeps a historic log of every report seen through the store.
package utm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/historic"
	"github.com/utmtestbed/utmnet/internal/kvstore"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// Defaults.
const (
	DefaultKeyPrefix = "uas"
	DefaultCacheSize = 1000
)

// storeTimeout bounds a single Put issued from the beacon handler.
const storeTimeout = 2 * time.Second

// Config configures a Server.
type Config struct {
	// Tag names the server. A random UUID is used when empty.
	Tag string
	// UASAddr is the beacon socket, ":44444" by default.
	UASAddr string
	// UTMAddr is the control channel listener, ":55555" by default.
	UTMAddr string
	// KeyPrefix selects the store keys written to the historic log.
	KeyPrefix string
	// CacheSize is the number of recent reports kept for the control
	// channel.
	CacheSize int
	// Session bounds Run. Zero means until the context is canceled.
	Session time.Duration
}

func (c *Config) setDefaults() {
	if c.Tag == "" {
		c.Tag = uuid.NewString()
	}
	if c.UASAddr == "" {
		c.UASAddr = fmt.Sprintf(":%d", utmnet.DefaultUDPPort)
	}
	if c.UTMAddr == "" {
		c.UTMAddr = fmt.Sprintf(":%d", utmnet.DefaultTCPPort)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
}

// Server is a UTM data service endpoint.
type Server struct {
	cfg    Config
	store  kvstore.Store
	logger *slog.Logger
	cache  *cache

	uas *utmnet.UDPTransport
	utm *utmnet.TCPTransport

	mu      sync.Mutex
	history historic.Log // nil once closed

	ingested atomic.Uint64
	recorded atomic.Uint64
}

// New binds the beacon socket and the control channel. Transport options
// apply to both transports.
func New(cfg Config, store kvstore.Store, history historic.Log, logger *slog.Logger, opt ...utmnet.Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("utm: nil store")
	}
	if history == nil {
		return nil, errors.New("utm: nil historic log")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	s := &Server{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("utm", cfg.Tag),
		cache:   newCache(cfg.CacheSize),
		history: history,
	}

	opt = append([]utmnet.Option{utmnet.LoggerOption(s.logger)}, opt...)

	var err error
	s.uas, err = utmnet.NewUDPTransport(cfg.UASAddr, utmnet.HandlerFunc(s.handleBeacon), opt...)
	if err != nil {
		return nil, err
	}
	s.utm, err = utmnet.NewTCPTransport(cfg.UTMAddr, utmnet.HandlerFunc(s.handleQuery), opt...)
	if err != nil {
		s.uas.Stop()
		return nil, err
	}
	return s, nil
}

// Tag returns the server name.
func (s *Server) Tag() string {
	return s.cfg.Tag
}

// UASAddr returns the bound beacon address.
func (s *Server) UASAddr() net.Addr {
	return s.uas.Addr()
}

// UTMAddr returns the bound control channel address.
func (s *Server) UTMAddr() net.Addr {
	return s.utm.Addr()
}

// Ingested returns the number of beacons accepted.
func (s *Server) Ingested() uint64 {
	return s.ingested.Load()
}

// Recorded returns the number of historic records written.
func (s *Server) Recorded() uint64 {
	return s.recorded.Load()
}

// Run serves both transports until ctx is canceled, the session ends or
// Stop is called. The historic log is flushed and closed before Run
// returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeHistory()

	if s.cfg.Session > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Session)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := s.store.Watch(ctx, s.cfg.KeyPrefix, s.record); err != nil {
		s.logger.Warn("running without historic watch", "prefix", s.cfg.KeyPrefix, "error", err)
	}

	g.Go(func() error {
		defer s.utm.Stop()
		return s.uas.Run(ctx)
	})
	g.Go(func() error {
		defer s.uas.Stop()
		return s.utm.Run(ctx)
	})

	s.logger.Info("utm server started", "uas_addr", s.UASAddr(), "utm_addr", s.UTMAddr())
	err := g.Wait()
	s.logger.Info("session ended", "ingested", s.Ingested(), "recorded", s.Recorded())
	return err
}

// Stop stops both transports. Run returns once they are down.
func (s *Server) Stop() error {
	s.uas.Stop()
	s.utm.Stop()
	return nil
}

// Last returns the most recent report of aircraft. Reports missing from
// the cache are looked up in the store; ok is false when neither has one.
func (s *Server) Last(ctx context.Context, aircraft string) (telemetry.Report, bool) {
	if r, ok := s.cache.last(aircraft); ok {
		return r, true
	}

	data, ok, err := s.store.Get(ctx, aircraft)
	if err != nil || !ok {
		return telemetry.Report{}, false
	}
	stored, err := telemetry.ParseStored(data)
	if err != nil {
		s.logger.Debug("bad stored report", "aircraft", aircraft, "error", err)
		return telemetry.Report{}, false
	}
	return telemetry.Report{
		Created:   stored.Created,
		Aircraft:  aircraft,
		Position:  stored.Position,
		Velocity:  stored.Velocity,
		Status:    stored.Status,
		MessageID: stored.MessageID,
	}, true
}

func (s *Server) handleBeacon(frame *utmnet.Frame, from net.Addr, _ *utmnet.Conn) {
	var report telemetry.Report
	if err := frame.Decode(&report); err != nil {
		s.logger.Warn("received invalid beacon", "remote_addr", from, "error", err)
		return
	}
	report.MessageID = frame.ID
	s.cache.add(report)
	s.ingested.Add(1)

	data, err := report.Stored().Marshal()
	if err != nil {
		s.logger.Error("failed to encode report", "aircraft", report.Aircraft, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Put(ctx, report.Aircraft, data); err != nil {
		s.logger.Warn("failed to publish report", "aircraft", report.Aircraft, "error", err)
		return
	}
	s.logger.Debug("report published", "aircraft", report.Aircraft, "msg_id", utmnet.FormatID(frame.ID))
}

// record appends a store change to the historic log.
func (s *Server) record(ev kvstore.Event) {
	stored, err := telemetry.ParseStored(ev.Value)
	if err != nil {
		s.logger.Error("failed to read report from store", "key", ev.Key, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return
	}
	if err := s.history.Append(context.Background(), historic.FromStored(time.Now(), ev.Key, stored)); err != nil {
		s.logger.Error("failed to save historic record", "key", ev.Key, "error", err)
		return
	}
	s.recorded.Add(1)
}

func (s *Server) closeHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return
	}
	if err := s.history.Close(); err != nil {
		s.logger.Error("failed to save historic log", "error", err)
	}
	s.history = nil
}
