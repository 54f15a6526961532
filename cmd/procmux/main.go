package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/procmux/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "procmux",
		Usage: "run processes for clients over a single multiplexed connection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The TCP address to listen on.",
				Value:   "127.0.0.1:0",
				EnvVars: []string{"PROCMUX_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "ws-listen-addr",
				Usage:   "The address for the WebSocket endpoint to listen on. Disabled if empty.",
				EnvVars: []string{"PROCMUX_WS_LISTEN_ADDR"},
			},
			&cli.BoolFlag{
				Name:    "require-token",
				Usage:   "Require clients to send the startup token before any spawn requests.",
				EnvVars: []string{"PROCMUX_REQUIRE_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "The minimum log level. Logs go to stderr.",
				Value:   "info",
				EnvVars: []string{"PROCMUX_LOG_LEVEL"},
			},
			&cli.IntFlag{
				Name:    "queue-size",
				Usage:   "The number of responses to buffer per connection.",
				EnvVars: []string{"PROCMUX_QUEUE_SIZE"},
			},
		},
		Action: func(ctx *cli.Context) error {
			var level zapcore.Level
			err := level.UnmarshalText([]byte(ctx.String("log-level")))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			a, err := agent.NewAgent(
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithWebSocketAddr(ctx.String("ws-listen-addr")),
				agent.WithRequireToken(ctx.Bool("require-token")),
				agent.WithQueueSize(ctx.Int("queue-size")),
				agent.WithLogLevel(level),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			err = a.Start()
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				a.Stop()
			}()

			return a.Wait()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
