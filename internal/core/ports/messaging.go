package ports

import "context"

type InboundMessage struct {
	Channel string
	Payload string
}

// MessagingClient is one login session against a messaging provider.
type MessagingClient interface {
	Login(ctx context.Context, userID, token string) error
	Subscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel, payload string) error
	// OnMessage registers the inbound handler. It must be set before
	// Subscribe so no message on the channel is missed.
	OnMessage(handler func(InboundMessage))
	Logout(ctx context.Context) error
}

// MessagingProvider constructs a fresh client for every messaging stage.
type MessagingProvider interface {
	NewClient(appID string) (MessagingClient, error)
}
