package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"github.com/webitel/tcp-relay-proxy/config"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
)

const (
	ServiceName      = "tcp-relay-proxy"
	ServiceNamespace = "webitel"
)

func Run() error {
	app := &cli.App{
		Name:            ServiceName,
		Usage:           "Event-driven layer-4 TCP reverse proxy",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "l",
				Usage: "listen `addr:port`, at least one required",
			},
			&cli.StringSliceFlag{
				Name:  "r",
				Usage: "remote `addr:port`, at least one required; every resolved address joins the pool",
			},
			&cli.IntFlag{
				Name:  "c",
				Usage: "connect timeout in `milliseconds`",
				Value: config.DefaultConnectTimeoutMS,
			},
			&cli.IntFlag{
				Name:  "p",
				Usage: "periodic log interval in `milliseconds`, 0 disables",
				Value: config.DefaultPeriodicLogMS,
			},
			&cli.BoolFlag{
				Name:  "f",
				Usage: "flush the log sink after each line",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional configuration `file`; explicit flags take precedence",
			},
		},
		Action: serve,
	}

	return app.Run(os.Args)
}

func serve(c *cli.Context) error {
	// Resolution needs DNS; the listeners need inet. Privileges narrow to
	// network-only once the listeners are installed (see relay lifecycle).
	if err := socket.PledgeBroad(); err != nil {
		return err
	}
	signal.Ignore(syscall.SIGPIPE)

	cfg, err := config.Load(c)
	if err != nil {
		return err
	}

	app := NewApp(cfg)
	if err := app.Start(c.Context); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	return app.Stop(context.Background())
}
