package main

import (
	"context"

	"github.com/spf13/cobra"

	"killboard/internal/config"
	"killboard/internal/db"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fully refresh the killboard continuous aggregates (backfill)",
	RunE:  runRefresh,
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.NewStatsRefresher(pool).RefreshAll(ctx)
}
