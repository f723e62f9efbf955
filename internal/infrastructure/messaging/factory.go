package messaging

import (
	"fmt"

	"preflight/internal/core/ports"
	"preflight/pkg/config"
	"preflight/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewProvider builds the provider selected by cfg.Messaging.Provider.
// redisClient is only required for the redis provider.
func NewProvider(cfg *config.Config, redisClient *redis.Client, verify LoginVerifier, logger *zap.SugaredLogger) (ports.MessagingProvider, error) {
	retryCfg := retry.DefaultConfig()
	if cfg.Messaging.LoginAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Messaging.LoginAttempts
	}

	switch cfg.Messaging.Provider {
	case "", "memory":
		return NewHub(verify, logger), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("messaging provider redis requires a reachable redis at %s", cfg.Redis.Address)
		}
		return NewRedisProvider(redisClient, verify, retryCfg, logger), nil
	case "nats":
		return NewNATSProvider(cfg.Messaging.NATS.URL, cfg.Messaging.ConnectTimeout, verify, retryCfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", cfg.Messaging.Provider)
	}
}
