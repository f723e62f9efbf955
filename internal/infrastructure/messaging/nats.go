package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/pkg/retry"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSProvider opens one NATS connection per messaging client. The login
// token is presented to the server as the connection token.
type NATSProvider struct {
	url            string
	connectTimeout time.Duration
	verify         LoginVerifier
	retry          retry.Config
	logger         *zap.SugaredLogger
}

var _ ports.MessagingProvider = (*NATSProvider)(nil)

func NewNATSProvider(url string, connectTimeout time.Duration, verify LoginVerifier, retryCfg retry.Config, logger *zap.SugaredLogger) *NATSProvider {
	return &NATSProvider{
		url:            url,
		connectTimeout: connectTimeout,
		verify:         verify,
		retry:          retryCfg,
		logger:         logger,
	}
}

func (p *NATSProvider) NewClient(appID string) (ports.MessagingClient, error) {
	if p.url == "" {
		return nil, fmt.Errorf("nats messaging: no url configured")
	}
	return &natsClient{provider: p, appID: appID, subs: make(map[string]*nats.Subscription)}, nil
}

// natsSubject maps a channel onto a single subject token.
func natsSubject(appID, channel string) string {
	clean := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(channel)
	return fmt.Sprintf("preflight.rtm.%s.%s", appID, clean)
}

type natsClient struct {
	provider *NATSProvider
	appID    string
	slot     handlerSlot

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
	subs   map[string]*nats.Subscription
}

func (c *natsClient) Login(ctx context.Context, userID, token string) error {
	if err := c.provider.verify.verify(userID, token); err != nil {
		return domain.NewAuthError("login", err)
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("preflight-%s-%s", c.appID, userID)),
		nats.Timeout(c.provider.connectTimeout),
		nats.MaxReconnects(2),
		nats.ReconnectWait(500 * time.Millisecond),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	if c.provider.logger != nil {
		log := c.provider.logger.With("app_id", c.appID)
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warnw("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Infow("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
	}

	conn, err := retry.DoWithResult(ctx, c.provider.retry, func(ctx context.Context) (*nats.Conn, error) {
		nc, err := nats.Connect(c.provider.url, opts...)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "authorization") {
			return nil, retry.Permanent(err)
		}
		return nc, err
	})
	if err != nil {
		return domain.NewAuthError("login", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return domain.NewAuthError("login", ErrLoggedOut)
	}
	c.conn = conn
	return nil
}

func (c *natsClient) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.NewChannelError("join "+channel, ErrNotLoggedIn)
	}

	sub, err := conn.Subscribe(natsSubject(c.appID, channel), func(msg *nats.Msg) {
		c.slot.dispatch(ports.InboundMessage{Channel: channel, Payload: string(msg.Data)})
	})
	if err != nil {
		return domain.NewChannelError("join "+channel, err)
	}
	// The server must have registered the interest before the first probe.
	if err := conn.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return domain.NewChannelError("join "+channel, err)
	}

	c.mu.Lock()
	c.subs[channel] = sub
	c.mu.Unlock()
	return nil
}

func (c *natsClient) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPublishError("publish", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.NewPublishError("publish", ErrNotLoggedIn)
	}
	if err := conn.Publish(natsSubject(c.appID, channel), []byte(payload)); err != nil {
		return domain.NewPublishError("publish", err)
	}
	return nil
}

func (c *natsClient) OnMessage(handler func(ports.InboundMessage)) {
	c.slot.set(handler)
}

func (c *natsClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}
