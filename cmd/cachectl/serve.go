package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/restopos/datacache/internal/service"
	"github.com/restopos/datacache/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cache service and its admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Start(ctx); err != nil {
			return err
		}

		serverConfig := api.DefaultServerConfig()
		serverConfig.Address = cfg.Global.AdminAddr
		server := api.NewServer(serverConfig, svc)
		server.StartBackground()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}
