package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/scribehub"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := ctx.loader()
			if err != nil {
				return err
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			logger := logging.InitLogger(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Writer: os.Stderr,
			})

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := scribehub.NewEngine(runCtx, scribehub.EngineOptions{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			if watch && loader.File() != "" {
				loader.Watch(func(next scribehub.Config, err error) {
					if err != nil {
						logger.Warn("config_reload_rejected", slog.String("error", err.Error()))
						return
					}
					engine.ApplyReload(next)
				})
			}
			return engine.Run(runCtx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload log level and redaction when the config file changes")
	return cmd
}
