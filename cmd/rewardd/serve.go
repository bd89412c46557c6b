package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/wire"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reward API",
		Long: `Starts the HTTP API, the jackpot aggregator, the held-reservation
reconciler and, when Kafka is configured, the snapshot consumer. If
reward.catalog_dir is set the catalog is loaded from it before the server
accepts requests.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, cleanup, err := wire.Build(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := cfg.Reward.CatalogDir; dir != "" {
		entries, err := catalog.Load(dir)
		if err != nil {
			return err
		}
		if err := upsertEntries(ctx, rt.DB, entries); err != nil {
			return err
		}
		rt.Logger.Info().Str("catalog_dir", dir).Int("entries", len(entries)).Msg("Catalog loaded")
	}

	return rt.App.RunWithContext(ctx)
}

func upsertEntries(ctx context.Context, w catalog.Writer, entries []catalog.Entry) error {
	for _, e := range entries {
		if err := w.UpsertEntry(ctx, e); err != nil {
			return fmt.Errorf("failed to store catalog entry %s: %w", e.ID, err)
		}
	}
	return nil
}
