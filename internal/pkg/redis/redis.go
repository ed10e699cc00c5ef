// Package redis opens the client behind the redis queue store.
package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/alarm-relay/internal/pkg/retry"
)

// Config contains Redis connection configuration.
type Config struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	DialTimeout     time.Duration
	ConnectAttempts int
	Logger          *slog.Logger
}

// Connect creates a client and waits until it answers PING.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	policy := retry.Policy{Attempts: cfg.ConnectAttempts, Logger: cfg.Logger}
	_, err := retry.Connect(ctx, "redis", policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
