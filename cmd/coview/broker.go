package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coview-labs/coview/pkg/broker"
	"github.com/coview-labs/coview/pkg/config"
	"github.com/coview-labs/coview/pkg/metrics"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the shared-session ownership broker",
	Long: `broker arbitrates which panel owns the shared session, mirrors the
upstream connection state to all panels, and serves /metrics and /healthz.`,
	RunE: runBroker,
}

func init() {
	rootCmd.AddCommand(brokerCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := slog.Default()
	mx := metrics.New("coview_broker")

	hub := broker.NewHub(cfg.SessionInfoInterval, mx, log)
	hub.SetCaptureFPS(cfg.IdleCaptureFPS, cfg.ActiveCaptureFPS)
	srv := broker.NewServer(cfg.BrokerAddr, hub, mx, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Info("broker listening", "addr", cfg.BrokerAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broker server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("broker shutdown: %w", err)
	}
	log.Info("broker stopped")
	return nil
}
