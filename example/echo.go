package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/utmtestbed/utmnet"
)

// echo answers every request with its own payload.
type echo struct {
	served atomic.Int64
}

func (e *echo) Handle(frame *utmnet.Frame, from net.Addr, conn *utmnet.Conn) {
	var payload any
	if err := frame.Decode(&payload); err != nil {
		slog.Error("bad request", "remote_addr", from, "error", err)
		return
	}

	if err := conn.Respond(frame.ID, payload); err != nil {
		slog.Error("respond failed", "remote_addr", from, "error", err)
		return
	}

	slog.Info("echoed", "remote_addr", from, "msg_id", utmnet.FormatID(frame.ID), "served", e.served.Add(1))
}

func main() {
	server, err := utmnet.NewTCPTransport("127.0.0.1:12345", &echo{},
		utmnet.MaxConnectionsOption(64),
		utmnet.ShutdownTimeoutOption(time.Second),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		// ping ourselves once the accept loop is up
		time.Sleep(100 * time.Millisecond)
		response, err := server.Send(ctx, server.Addr().String(), 0x1a2b, []any{"hello", 1})
		if err != nil {
			slog.Error("self check failed", "error", err)
			return
		}
		slog.Info("self check", "response", response)
	}()

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
	}
}
