package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"killboard/internal/cluster"
	"killboard/internal/config"
	"killboard/internal/db"
	"killboard/internal/logging"
	"killboard/internal/processor"
	"killboard/internal/queue"
	"killboard/internal/service"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the killmail queue and cluster kills into battles",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	reader := db.NewKillmailReader(pool)
	store := db.NewBattleStore(pool)

	engine := cluster.NewEngine(idx, cluster.Options{
		Gap:            cfg.BattleGap,
		LinkWindow:     cfg.LinkWindow,
		MaxRetries:     cfg.CASMaxRetries,
		ClusterNPCOnly: cfg.ClusterNPCOnly,
	})

	finalizer := cluster.NewFinalizer(idx, reader, store, cluster.FinalizerOptions{
		Gap:      cfg.BattleGap,
		Interval: cfg.FinalizeInterval,
		MaxSides: cfg.MaxSides,
	})
	finalizer.SetRefresher(db.NewStatsRefresher(pool))
	engine.SetCloser(finalizer)

	go finalizer.Run(ctx)

	svc := service.New(engine, idx, reader, store, cfg.MaxSides)
	proc := processor.NewKillProcessor(ctx, reader, svc)

	q := queue.NewRedisQueue(redisClient)
	if err := q.ConsumeConcurrent(ctx, cfg.RedisQueue, cfg.WorkerCount, cfg.JobBufferSize, proc.Handle); err != nil && ctx.Err() == nil {
		logger.Errorf("queue consumption ended: %v", err)
		return err
	}

	stats := engine.Stats()
	logger.Infof("worker shut down: %d CAS retries, %d merges, %d starved, %d fallbacks",
		stats.CASRetries, stats.Merges, stats.MergeStarved, stats.Fallbacks)
	return nil
}
