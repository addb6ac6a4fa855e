package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/config"
	"github.com/utmtestbed/utmnet/internal/netem"
)

// transportOptions builds the transport options shared by every node. The
// returned func releases the capture file, if any.
func transportOptions(cfg *config.Config, logger *slog.Logger) ([]utmnet.Option, func(), error) {
	opts := []utmnet.Option{
		utmnet.LoggerOption(logger),
		utmnet.SendTimeoutOption(cfg.SendTimeout),
		utmnet.MaxConnectionsOption(cfg.MaxConnections),
	}

	link := netem.Link{Loss: cfg.LinkLoss}
	release := func() {}
	if cfg.CapturePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CapturePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("unable to create capture directory: %w", err)
		}
		f, err := os.Create(cfg.CapturePath)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create capture file: %w", err)
		}
		link.Capture = netem.NewCapture(f, netem.DefaultSnapLen)
		logger.Info("capturing beacons", "path", cfg.CapturePath)
		release = func() {
			if err := link.Capture.Close(); err != nil {
				logger.Error("failed to save capture", "path", cfg.CapturePath, "error", err)
			}
			if dropped := link.Capture.Dropped(); dropped > 0 {
				logger.Warn("capture dropped packets", "dropped", dropped)
			}
		}
	}

	if link.Loss > 0 || link.Capture != nil {
		if link.Loss > 0 {
			logger.Info("emulating lossy link", "loss", link.Loss)
		}
		opts = append(opts, utmnet.PacketConnOption(link.Wrap))
	}
	return opts, release, nil
}
