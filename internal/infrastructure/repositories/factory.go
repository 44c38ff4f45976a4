package repositories

import (
	"context"
	"fmt"

	"segchat/internal/core/ports"
	badgerrepo "segchat/internal/infrastructure/repositories/badger"
	"segchat/internal/infrastructure/repositories/memory"
	pgrepo "segchat/internal/infrastructure/repositories/postgres"
	redisrepo "segchat/internal/infrastructure/repositories/redis"
	"segchat/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the tracker's chat store from configuration.
// An unreachable redis backend falls back to memory. Postgres connection
// failures are returned.
type RepositoryFactory struct {
	backend     string
	store       ports.ChatStore
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{backend: cfg.Store.Backend, logger: logger}

	switch cfg.Store.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(
			cfg.Store.Redis.Address,
			cfg.Store.Redis.Password,
			cfg.Store.Redis.DB,
			cfg.Store.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
			f.backend = "memory"
			break
		}
		f.redisClient = client
		f.store = redisrepo.NewRedisChatStore(client)
	case "postgres":
		store, err := pgrepo.NewPostgresChatStore(ctx, cfg.Store.Postgres.DSN, cfg.Store.Postgres.MaxOpenConns, logger)
		if err != nil {
			return nil, err
		}
		f.store = store
	case "", "memory":
		f.backend = "memory"
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if f.store == nil {
		f.store = memory.NewMemoryChatStore()
	}
	logger.Infow("chat store ready", "backend", f.backend)
	return f, nil
}

func (f *RepositoryFactory) ChatStore() ports.ChatStore {
	return f.store
}

// RedisClient is the shared client when the redis backend is in use, nil
// otherwise.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Backend is the backend actually in use after any fallback.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

func (f *RepositoryFactory) Close() error {
	return f.store.Close()
}

// HealthCheck pings the active store.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	return f.store.Ping(ctx)
}

// NewLocalHistory opens the peer's history under dataDir, or keeps it in
// memory when dataDir is empty.
func NewLocalHistory(dataDir string, logger *zap.SugaredLogger) (ports.LocalHistory, error) {
	if dataDir == "" {
		logger.Info("peer history kept in memory")
		return memory.NewMemoryLocalHistory(), nil
	}
	h, err := badgerrepo.OpenBadgerLocalHistory(dataDir)
	if err != nil {
		return nil, err
	}
	logger.Infow("peer history opened", "data_dir", dataDir)
	return h, nil
}
