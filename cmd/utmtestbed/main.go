package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/cmd/utmtestbed/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := app.Run(ctx, os.Args)
	if err != nil {
		var bindErr *utmnet.BindError
		if errors.As(err, &bindErr) {
			slog.Error("Unable to bind socket", "network", bindErr.Network, "addr", bindErr.Addr, "err", bindErr.Err)
		} else {
			slog.Error("Application failed", "err", err)
		}
		log.Fatal("abort")
	}
}
