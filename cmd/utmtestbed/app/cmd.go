package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/config"
	"github.com/utmtestbed/utmnet/internal/flagutil"
)

const envPrefix = "UTM"

const configKey = "config"

func Instance() *cli.App {
	logLevel := "info"
	logFormat := "text"
	envFile := ""
	return &cli.App{
		Name:  "utmtestbed",
		Usage: "UAS traffic management testbed nodes",
		Commands: []*cli.Command{
			uasClientCmd(),
			utmServerCmd(),
			gpsStubCmd(),
			queryCmd(),
		},
		Flags: []cli.Flag{
			flagutil.String(&logLevel, "log-level", nil, envPrefix, "Verbosity of log, valid values are: debug, info, warn, error", false),
			flagutil.String(&logFormat, "log-format", nil, envPrefix, "Log format, text or json", false),
			flagutil.String(&envFile, "env-file", nil, envPrefix, "Environment file read before the configuration is loaded (default .env when present)", false),
		},
		Before: func(ctx *cli.Context) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// explicit flags win over the environment and the env file
			if ctx.IsSet("log-level") {
				cfg.LogLevel = logLevel
			}
			if ctx.IsSet("log-format") {
				cfg.LogFormat = logFormat
			}

			slog.SetDefault(utmnet.NewLogger(cfg.LogLevel, cfg.LogFormat, ctx.App.ErrWriter))
			if ctx.App.Metadata == nil {
				ctx.App.Metadata = map[string]any{}
			}
			ctx.App.Metadata[configKey] = cfg
			return nil
		},
	}
}

func Run(ctx context.Context, args []string) error {
	app := Instance()
	return app.RunContext(ctx, args)
}

// loadedConfig returns the configuration loaded by the Before hook.
func loadedConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, ok := ctx.App.Metadata[configKey].(*config.Config)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// override replaces *dst with value when flag name was given.
func override[T any](ctx *cli.Context, name string, dst *T, value T) {
	if ctx.IsSet(name) {
		*dst = value
	}
}
