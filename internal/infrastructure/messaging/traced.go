package messaging

import (
	"context"

	"preflight/internal/core/ports"
	"preflight/pkg/tracing"
)

// Traced wraps p so every client operation that talks to the broker is
// recorded as a span tagged with system.
func Traced(system string, p ports.MessagingProvider) ports.MessagingProvider {
	return &tracedProvider{system: system, inner: p}
}

type tracedProvider struct {
	system string
	inner  ports.MessagingProvider
}

func (p *tracedProvider) NewClient(appID string) (ports.MessagingClient, error) {
	c, err := p.inner.NewClient(appID)
	if err != nil {
		return nil, err
	}
	return &tracedClient{system: p.system, MessagingClient: c}, nil
}

type tracedClient struct {
	system string
	ports.MessagingClient
}

func (c *tracedClient) Login(ctx context.Context, userID, token string) (err error) {
	ctx, span := tracing.TraceMessaging(ctx, c.system, "login", "")
	defer func() { tracing.End(span, err) }()
	return c.MessagingClient.Login(ctx, userID, token)
}

func (c *tracedClient) Subscribe(ctx context.Context, channel string) (err error) {
	ctx, span := tracing.TraceMessaging(ctx, c.system, "subscribe", channel)
	defer func() { tracing.End(span, err) }()
	return c.MessagingClient.Subscribe(ctx, channel)
}

func (c *tracedClient) Publish(ctx context.Context, channel, payload string) (err error) {
	ctx, span := tracing.TraceMessaging(ctx, c.system, "publish", channel)
	defer func() { tracing.End(span, err) }()
	return c.MessagingClient.Publish(ctx, channel, payload)
}
