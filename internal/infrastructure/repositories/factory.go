package repositories

import (
	"context"

	"preflight/internal/core/ports"
	"preflight/internal/infrastructure/repositories/memory"
	redisrepo "preflight/internal/infrastructure/repositories/redis"
	"preflight/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when the report store or the
// messaging provider needs it. A report store that cannot reach Redis
// falls back to memory.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.Reports.Store == "redis" || cfg.Messaging.Provider == "redis" {
		client, err := redisrepo.NewRedisClient(redisrepo.Options{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
			factory.useRedis = cfg.Reports.Store == "redis"
		}
	}

	if factory.useRedis {
		logger.Info("using Redis report repository")
	} else {
		logger.Info("using memory report repository")
	}

	return factory, nil
}

// CreateReportRepository creates a report repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateReportRepository() ports.ReportRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisReportRepository(f.redisClient, f.cfg.Reports.Retention, f.cfg.Reports.TTL)
	}
	return memory.NewMemoryReportRepository(f.cfg.Reports.Retention)
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
