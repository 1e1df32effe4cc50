package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifeos-nexus/council/internal/config"
	"github.com/lifeos-nexus/council/internal/telemetry"
	"github.com/lifeos-nexus/council/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port      int
		storeKind string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the council server in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("store") {
				cfg.StoreKind = storeKind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "port to listen on (overrides COUNCIL_PORT)")
	cmd.Flags().StringVar(&storeKind, "store", "sqlite", "request store: sqlite or memory (overrides COUNCIL_STORE)")
	return cmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func serve(ctx context.Context, cfg *config.Config) error {
	setupLogging(cfg.LogLevel)
	log.Info().Str("version", cfg.Version).Msg("🏛️  Council server starting...")

	shutdownTelemetry, err := telemetry.Init(cfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}()

	m := server.NewManager(cfg)
	if err := m.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		m.Stop()
	case <-m.Done():
	}
	<-m.Done()
	return m.Err()
}
