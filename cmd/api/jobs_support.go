package main

import (
	"context"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/turnup/internal/appstate"
	"github.com/yourusername/turnup/internal/config"
	"github.com/yourusername/turnup/internal/jobs"
)

func setupRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func setupJobs(cfg *config.Config, rdb *redis.Client, logger *log.Logger) (*jobs.Manager, error) {
	store := jobs.NewStore(rdb, cfg.JobTTL())
	return jobs.NewManager(cfg.RedisURL, store, jobs.LogMailer{Logger: logger}, logger)
}

// pruneWorkspaces はセッションのアイドル期限を過ぎたワークスペースを定期的に破棄します。
func pruneWorkspaces(ctx context.Context, registry *appstate.Registry, idle time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Prune(idle); n > 0 {
				logger.Printf("pruned %d idle workspaces", n)
			}
		}
	}
}
