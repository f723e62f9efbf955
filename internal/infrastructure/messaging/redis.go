package messaging

import (
	"context"
	"fmt"
	"sync"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisProvider carries messaging over Redis pub/sub. Channels are
// namespaced by app id.
type RedisProvider struct {
	client *redis.Client
	verify LoginVerifier
	retry  retry.Config
	logger *zap.SugaredLogger
}

var _ ports.MessagingProvider = (*RedisProvider)(nil)

func NewRedisProvider(client *redis.Client, verify LoginVerifier, retryCfg retry.Config, logger *zap.SugaredLogger) *RedisProvider {
	return &RedisProvider{
		client: client,
		verify: verify,
		retry:  retryCfg,
		logger: logger,
	}
}

func (p *RedisProvider) NewClient(appID string) (ports.MessagingClient, error) {
	if p.client == nil {
		return nil, fmt.Errorf("redis messaging: no client configured")
	}
	return &redisClient{provider: p, appID: appID}, nil
}

func redisChannel(appID, channel string) string {
	return fmt.Sprintf("preflight:rtm:%s:%s", appID, channel)
}

type redisClient struct {
	provider *RedisProvider
	appID    string
	slot     handlerSlot

	mu       sync.Mutex
	loggedIn bool
	closed   bool
	pubsub   *redis.PubSub
	channels map[string]string // redis channel -> logical channel
}

func (c *redisClient) Login(ctx context.Context, userID, token string) error {
	if err := c.provider.verify.verify(userID, token); err != nil {
		return domain.NewAuthError("login", err)
	}
	err := retry.Do(ctx, c.provider.retry, func(ctx context.Context) error {
		return c.provider.client.Ping(ctx).Err()
	})
	if err != nil {
		return domain.NewAuthError("login", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.NewAuthError("login", ErrLoggedOut)
	}
	c.loggedIn = true
	c.channels = make(map[string]string)
	return nil
}

func (c *redisClient) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return domain.NewChannelError("join "+channel, ErrNotLoggedIn)
	}

	name := redisChannel(c.appID, channel)
	if c.pubsub != nil {
		if err := c.pubsub.Subscribe(ctx, name); err != nil {
			return domain.NewChannelError("join "+channel, err)
		}
		c.channels[name] = channel
		return nil
	}

	ps := c.provider.client.Subscribe(ctx, name)
	// Wait for the confirmation so the first probe cannot overtake it.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return domain.NewChannelError("join "+channel, err)
	}
	c.pubsub = ps
	c.channels[name] = channel
	go c.pump(ps)
	return nil
}

// pump forwards pub/sub messages until the subscription is closed.
func (c *redisClient) pump(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		c.mu.Lock()
		channel, ok := c.channels[msg.Channel]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.slot.dispatch(ports.InboundMessage{Channel: channel, Payload: msg.Payload})
	}
}

func (c *redisClient) Publish(ctx context.Context, channel, payload string) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return domain.NewPublishError("publish", ErrNotLoggedIn)
	}
	if err := c.provider.client.Publish(ctx, redisChannel(c.appID, channel), payload).Err(); err != nil {
		return domain.NewPublishError("publish", err)
	}
	return nil
}

func (c *redisClient) OnMessage(handler func(ports.InboundMessage)) {
	c.slot.set(handler)
}

func (c *redisClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.loggedIn = false
	ps := c.pubsub
	c.pubsub = nil
	c.mu.Unlock()

	if ps != nil {
		return ps.Close()
	}
	return nil
}
