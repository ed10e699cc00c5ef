package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bissquit/alarm-relay/internal/config"
	"github.com/bissquit/alarm-relay/internal/pkg/metrics"
	"github.com/bissquit/alarm-relay/internal/pkg/postgres"
	redispkg "github.com/bissquit/alarm-relay/internal/pkg/redis"
	"github.com/bissquit/alarm-relay/internal/storage"
	"github.com/bissquit/alarm-relay/internal/storage/memory"
	pgstore "github.com/bissquit/alarm-relay/internal/storage/postgres"
	redisstore "github.com/bissquit/alarm-relay/internal/storage/redis"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

// queueStore is a queue backend that also holds tenant configs.
type queueStore interface {
	storage.Storage
	storage.TenantConfigSource
}

type backend struct {
	store  queueStore
	cancel context.CancelFunc
	closer func()
}

func (b *backend) close() {
	b.cancel()
	if b.closer != nil {
		b.closer()
	}
}

// openBackend connects the configured storage backend and starts its pool
// metrics collector.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	collectCtx, cancel := context.WithCancel(context.Background())
	b := &backend{cancel: cancel}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		if cfg.Database.AutoMigrate {
			if err := pgstore.Migrate(cfg.Database.URL); err != nil {
				cancel()
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}

		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
			Logger:          logger,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.store = pgstore.NewStore(db)
		b.closer = db.Close
		go collectDBMetrics(collectCtx, db)

	case config.BackendRedis:
		client, err := redispkg.Connect(ctx, redispkg.Config{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			DialTimeout:     cfg.Redis.DialTimeout,
			ConnectAttempts: cfg.Redis.ConnectAttempts,
			Logger:          logger,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.store = redisstore.NewStore(client, logger)
		b.closer = func() {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis client", "error", err)
			}
		}
		go collectRedisMetrics(collectCtx, client)

	default:
		logger.Warn("using in-memory storage: queued alarms are lost on restart")
		b.store = memory.New()
	}

	return b, nil
}

// tenantSource returns the configured tenant config source. The file source
// is also returned so it can be reloaded.
func (a *App) tenantSource() (storage.TenantConfigSource, *tenant.FileSource, error) {
	if a.config.Tenants.Source != config.TenantSourceFile {
		return a.backend.store, nil, nil
	}

	fs, err := tenant.NewFileSource(a.config.Tenants.File)
	if err != nil {
		return nil, nil, fmt.Errorf("load tenant file: %w", err)
	}
	a.logger.Info("tenant configs loaded from file",
		"path", a.config.Tenants.File,
		"tenants", fs.Len(),
	)
	return fs, fs, nil
}

func collectDBMetrics(ctx context.Context, db *pgxpool.Pool) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(db)
		case <-ctx.Done():
			return
		}
	}
}

func collectRedisMetrics(ctx context.Context, client *goredis.Client) {
	metrics.RecordRedisPoolMetrics(client)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordRedisPoolMetrics(client)
		case <-ctx.Done():
			return
		}
	}
}
