package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhaopengme/witbot/pkg/config"
	"github.com/zhaopengme/witbot/pkg/gateway"
	"github.com/zhaopengme/witbot/pkg/logger"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Gateway.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			g, err := gateway.New(cfg, gateway.Deps{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := g.Start(ctx); err != nil {
				return err
			}
			logger.InfoCF("witbot", "Bot started",
				map[string]interface{}{
					"version": formatVersion(),
					"addr":    g.Addr(),
					"engine":  cfg.Engine.Provider,
					"actions": g.Actions.Count(),
				})
			fmt.Fprintf(cmd.OutOrStdout(), "%s witbot listening on %s\n", logo, g.Addr())

			<-ctx.Done()
			logger.InfoC("witbot", "Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return g.Stop(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config and PORT)")
	return cmd
}
