package app

import (
	"errors"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/utmtestbed/utmnet/internal/flagutil"
	"github.com/utmtestbed/utmnet/internal/gps"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

func gpsStubCmd() *cli.Command {
	var (
		tag     string
		x, y, z float64
		radius  float64
		period  = time.Minute
	)
	return &cli.Command{
		Name:  "gps-stub",
		Usage: "Serves positions on the GPS socket of an aircraft, standing in for the network emulator",
		Flags: []cli.Flag{
			flagutil.String(&tag, "tag", []string{"t"}, "", "Aircraft tag (UTM_TAG)", false),
			flagutil.Float64(&x, "x", nil, "", "Position x, or orbit center", false),
			flagutil.Float64(&y, "y", nil, "", "Position y, or orbit center", false),
			flagutil.Float64(&z, "z", nil, "", "Altitude", false),
			flagutil.Float64(&radius, "radius", nil, "", "Orbit radius, 0 for a fixed position", false),
			flagutil.Duration(&period, "period", nil, "", "Orbit period", false),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadedConfig(ctx)
			if err != nil {
				return err
			}
			override(ctx, "tag", &cfg.Tag, tag)
			if cfg.Tag == "" {
				return errors.New("missing aircraft tag, set --tag or UTM_TAG")
			}

			center := telemetry.Position{x, y, z}
			source := gps.Fixed(center)
			if radius > 0 {
				source = gps.Orbit(center, radius, period, time.Now())
			}

			stub, err := gps.ListenStub(cfg.GPSSocketDir, cfg.Tag, source, slog.Default())
			if err != nil {
				return err
			}
			defer stub.Close()

			slog.Info("serving gps positions", "aircraft", cfg.Tag, "socket", stub.Path())
			return stub.Serve(ctx.Context)
		},
	}
}
