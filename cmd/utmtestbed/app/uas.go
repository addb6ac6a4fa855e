package app

import (
	"errors"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/utmtestbed/utmnet/internal/flagutil"
	"github.com/utmtestbed/utmnet/internal/gps"
	"github.com/utmtestbed/utmnet/internal/historic"
	"github.com/utmtestbed/utmnet/internal/telemetry"
	"github.com/utmtestbed/utmnet/internal/uas"
)

func uasClientCmd() *cli.Command {
	var (
		tag          string
		broadcast    string
		interval     time.Duration
		session      time.Duration
		startupDelay time.Duration
		loss         float64
		capture      string
		velocity     float64
		status       = telemetry.StatusOK
	)
	return &cli.Command{
		Name:  "uas-client",
		Usage: "Emulates an aircraft broadcasting its position to UTM servers",
		Flags: []cli.Flag{
			flagutil.String(&tag, "tag", []string{"t"}, "", "Aircraft tag (UTM_TAG)", false),
			flagutil.String(&broadcast, "broadcast", []string{"b"}, "", "Beacon destination, host or host:port (UTM_BROADCAST_ADDR)", false),
			flagutil.Duration(&interval, "interval", nil, "", "Time between beacons (UTM_BEACON_INTERVAL)", false),
			flagutil.Duration(&session, "session", nil, "", "Duration of the report log, 0 for unlimited (UTM_SESSION_DURATION)", false),
			flagutil.Duration(&startupDelay, "startup-delay", nil, "", "Wait before the first beacon (UTM_STARTUP_DELAY)", false),
			flagutil.Float64(&loss, "link-loss", nil, "", "Fraction of beacons dropped by the emulated link (UTM_LINK_LOSS)", false),
			flagutil.String(&capture, "capture", nil, "", "Write a pcap trace of beacons to this file (UTM_CAPTURE_PATH)", false),
			flagutil.Float64(&velocity, "velocity", nil, "", "Initial velocity", false),
			flagutil.String(&status, "status", nil, "", "Initial status", false),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadedConfig(ctx)
			if err != nil {
				return err
			}
			override(ctx, "tag", &cfg.Tag, tag)
			override(ctx, "broadcast", &cfg.BroadcastAddr, broadcast)
			override(ctx, "interval", &cfg.BeaconInterval, interval)
			override(ctx, "session", &cfg.SessionDuration, session)
			override(ctx, "startup-delay", &cfg.StartupDelay, startupDelay)
			override(ctx, "link-loss", &cfg.LinkLoss, loss)
			override(ctx, "capture", &cfg.CapturePath, capture)
			if err := cfg.Expand(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Tag == "" {
				return errors.New("missing aircraft tag, set --tag or UTM_TAG")
			}

			logger := slog.Default()
			opts, release, err := transportOptions(cfg, logger)
			if err != nil {
				return err
			}
			defer release()

			reports, err := historic.Open(cfg.HistoricBackend, cfg.ReportDir, cfg.Tag)
			if err != nil {
				return err
			}

			client, err := uas.New(uas.Config{
				Tag:           cfg.Tag,
				ListenAddr:    cfg.UASAddr(),
				BroadcastAddr: cfg.BroadcastAddr,
				Interval:      cfg.BeaconInterval,
				Session:       cfg.SessionDuration,
				StartupDelay:  cfg.StartupDelay,
				Velocity:      velocity,
				Status:        status,
			}, gps.NewBridge(cfg.GPSSocketDir, cfg.Tag, logger), reports, logger, opts...)
			if err != nil {
				reports.Close()
				return err
			}

			logger.Info("starting uas client", "aircraft", cfg.Tag, "addr", client.Addr())
			err = client.Run(ctx.Context)
			logger.Info("exiting uas client", "aircraft", cfg.Tag, "sent", client.Sent())
			return err
		},
	}
}
