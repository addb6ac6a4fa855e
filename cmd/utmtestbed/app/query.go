package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/flagutil"
	"github.com/utmtestbed/utmnet/internal/utm"
)

func queryCmd() *cli.Command {
	var (
		server   = "127.0.0.1"
		op       = utm.OpPing
		aircraft string
	)
	return &cli.Command{
		Name:  "query",
		Usage: "Queries the control channel of a UTM server",
		Flags: []cli.Flag{
			flagutil.String(&server, "server", []string{"s"}, "", "UTM server, host or host:port", false),
			flagutil.String(&op, "op", nil, "", "Operation: PING or LAST", false),
			flagutil.String(&aircraft, "aircraft", []string{"a"}, "", "Aircraft tag for LAST", false),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadedConfig(ctx)
			if err != nil {
				return err
			}

			destination := server
			if _, _, err := net.SplitHostPort(destination); err != nil {
				destination = net.JoinHostPort(destination, strconv.Itoa(cfg.UTMPort))
			}

			// the listener is never run; it only owns the send settings
			t, err := utmnet.NewTCPTransport(net.JoinHostPort(cfg.Interface, "0"),
				utmnet.HandlerFunc(func(*utmnet.Frame, net.Addr, *utmnet.Conn) {}),
				utmnet.LoggerOption(slog.Default()),
				utmnet.SendTimeoutOption(cfg.SendTimeout),
			)
			if err != nil {
				return err
			}
			defer t.Stop()

			id := rand.Uint32()
			switch strings.ToUpper(op) {
			case utm.OpPing:
				if err := utm.Ping(ctx.Context, t, destination, id); err != nil {
					return err
				}
				fmt.Fprintln(ctx.App.Writer, utm.ReplyPong)
			case utm.OpLast:
				if aircraft == "" {
					return errors.New("LAST needs --aircraft")
				}
				report, err := utm.QueryLast(ctx.Context, t, destination, id, aircraft)
				if err != nil {
					return err
				}
				fmt.Fprintf(ctx.App.Writer, "%s;%s;%s;%v;%s\n",
					report.Created, report.Aircraft, report.Position, report.Velocity, report.Status)
			default:
				return fmt.Errorf("unknown operation %q", op)
			}
			return nil
		},
	}
}
