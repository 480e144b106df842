package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientName identifies continuity profiles in CLIENT LIST and pg_stat_activity.
const ClientName = "continuity"

// pingTimeout bounds the startup check so an unreachable store fails fast.
const pingTimeout = 5 * time.Second

// NewRedisClient connects a shared profile store. Several client processes
// may point at the same database; each sees the others' writes.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = ClientName
	}
	opts.PoolSize = 4
	opts.DialTimeout = pingTimeout
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}

	slog.Debug("redis store connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
