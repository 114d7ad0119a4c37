package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/risa-org/linkpool/core"
)

var stopTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the endpoint until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app := fx.New(
			core.Module(cfg),
			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: log.Named("fx")}
			}),
			fx.StartTimeout(10*time.Second),
			fx.StopTimeout(stopTimeout),
		)
		if err := app.Err(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := app.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return app.Stop(stopCtx)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "how long to wait for links to go down on shutdown")
}
