package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"killboard/internal/cluster"
	"killboard/internal/config"
	"killboard/internal/db"
	"killboard/internal/logging"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Run one finalize sweep over idle open clusters and exit",
	RunE:  runFinalize,
}

func runFinalize(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	logger := logging.Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	idx := cluster.NewRedisIndex(redisClient)
	finalizer := cluster.NewFinalizer(idx, db.NewKillmailReader(pool), db.NewBattleStore(pool), cluster.FinalizerOptions{
		Gap:      cfg.BattleGap,
		MaxSides: cfg.MaxSides,
	})
	finalizer.SetRefresher(db.NewStatsRefresher(pool))

	closed, err := finalizer.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	logger.Infof("finalized %d battles", closed)
	return nil
}
