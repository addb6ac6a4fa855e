package app

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/utmtestbed/utmnet/internal/flagutil"
	"github.com/utmtestbed/utmnet/internal/historic"
	"github.com/utmtestbed/utmnet/internal/kvstore"
	"github.com/utmtestbed/utmnet/internal/utm"
)

func utmServerCmd() *cli.Command {
	var (
		tag             string
		session         time.Duration
		kvBackend       string
		kvPrefix        string
		historicBackend string
		loss            float64
		capture         string
		endpoints       cli.StringSlice
	)
	return &cli.Command{
		Name:  "utm-server",
		Usage: "Runs a UTM endpoint ingesting aircraft beacons",
		Flags: []cli.Flag{
			flagutil.String(&tag, "tag", []string{"t"}, "", "Server tag, random when empty (UTM_TAG)", false),
			flagutil.Duration(&session, "session", nil, "", "Stop after this long, 0 for unlimited (UTM_SESSION_DURATION)", false),
			flagutil.String(&kvBackend, "kv-backend", nil, "", "Key-value store: memory, etcd or redis (UTM_KV_BACKEND)", false),
			flagutil.StringSlice(&endpoints, "etcd-endpoint", nil, "", "etcd endpoint, repeatable (UTM_ETCD_ENDPOINTS)", false),
			flagutil.String(&kvPrefix, "kv-prefix", nil, "", "Aircraft keys written to the historic log (UTM_KV_PREFIX)", false),
			flagutil.String(&historicBackend, "historic-backend", nil, "", "Historic log: csv or sqlite (UTM_HISTORIC_BACKEND)", false),
			flagutil.Float64(&loss, "link-loss", nil, "", "Fraction of datagrams dropped by the emulated link (UTM_LINK_LOSS)", false),
			flagutil.String(&capture, "capture", nil, "", "Write a pcap trace of beacons to this file (UTM_CAPTURE_PATH)", false),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadedConfig(ctx)
			if err != nil {
				return err
			}
			override(ctx, "tag", &cfg.Tag, tag)
			override(ctx, "session", &cfg.SessionDuration, session)
			override(ctx, "kv-backend", &cfg.KVBackend, kvBackend)
			override(ctx, "etcd-endpoint", &cfg.EtcdEndpoints, endpoints.Value())
			override(ctx, "kv-prefix", &cfg.KVPrefix, kvPrefix)
			override(ctx, "historic-backend", &cfg.HistoricBackend, historicBackend)
			override(ctx, "link-loss", &cfg.LinkLoss, loss)
			override(ctx, "capture", &cfg.CapturePath, capture)
			if err := cfg.Expand(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Tag == "" {
				cfg.Tag = uuid.NewString()
			}

			logger := slog.Default()
			opts, release, err := transportOptions(cfg, logger)
			if err != nil {
				return err
			}
			defer release()

			store := kvstore.OpenOrMemory(ctx.Context, cfg.KVStore(), logger)
			defer store.Close()

			history, err := historic.Open(cfg.HistoricBackend, cfg.ReportDir, cfg.Tag)
			if err != nil {
				return err
			}

			server, err := utm.New(utm.Config{
				Tag:       cfg.Tag,
				UASAddr:   cfg.UASAddr(),
				UTMAddr:   cfg.UTMAddr(),
				KeyPrefix: cfg.KVPrefix,
				Session:   cfg.SessionDuration,
			}, store, history, logger, opts...)
			if err != nil {
				history.Close()
				return err
			}

			logger.Info("starting utm server", "tag", cfg.Tag, "kv_backend", cfg.KVBackend)
			return server.Run(ctx.Context)
		},
	}
}
