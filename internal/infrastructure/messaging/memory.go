package messaging

import (
	"context"
	"sync"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"

	"go.uber.org/zap"
)

// Hub is an in-process message broker. Every subscriber of a channel,
// the publisher included, receives each message in publish order.
type Hub struct {
	verify LoginVerifier
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]map[*memoryClient]struct{}
}

var _ ports.MessagingProvider = (*Hub)(nil)

func NewHub(verify LoginVerifier, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		verify:   verify,
		logger:   logger,
		channels: make(map[string]map[*memoryClient]struct{}),
	}
}

func (h *Hub) NewClient(appID string) (ports.MessagingClient, error) {
	return &memoryClient{hub: h, appID: appID}, nil
}

func (h *Hub) key(appID, channel string) string {
	return appID + "/" + channel
}

func (h *Hub) join(c *memoryClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.key(c.appID, channel)
	members, ok := h.channels[key]
	if !ok {
		members = make(map[*memoryClient]struct{})
		h.channels[key] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *memoryClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.key(c.appID, channel)
	delete(h.channels[key], c)
	if len(h.channels[key]) == 0 {
		delete(h.channels, key)
	}
}

func (h *Hub) broadcast(appID, channel, payload string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg := ports.InboundMessage{Channel: channel, Payload: payload}
	delivered := 0
	for member := range h.channels[h.key(appID, channel)] {
		if member.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

// Subscribers reports how many clients are in channel.
func (h *Hub) Subscribers(appID, channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[h.key(appID, channel)])
}

type memoryClient struct {
	hub   *Hub
	appID string
	slot  handlerSlot

	mu       sync.Mutex
	loggedIn bool
	closed   bool
	channels map[string]struct{}
	inbox    chan ports.InboundMessage
	done     chan struct{}
}

func (c *memoryClient) Login(ctx context.Context, userID, token string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewAuthError("login", err)
	}
	if err := c.hub.verify.verify(userID, token); err != nil {
		return domain.NewAuthError("login", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.NewAuthError("login", ErrLoggedOut)
	}
	if c.loggedIn {
		return nil
	}
	c.loggedIn = true
	c.channels = make(map[string]struct{})
	c.inbox = make(chan ports.InboundMessage, 64)
	c.done = make(chan struct{})
	go c.pump(c.inbox, c.done)
	return nil
}

func (c *memoryClient) pump(inbox <-chan ports.InboundMessage, done <-chan struct{}) {
	for {
		select {
		case m := <-inbox:
			c.slot.dispatch(m)
		case <-done:
			return
		}
	}
}

// enqueue drops the message when the client is gone or its inbox is full.
func (c *memoryClient) enqueue(m ports.InboundMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return false
	}
	select {
	case c.inbox <- m:
		return true
	default:
		if c.hub.logger != nil {
			c.hub.logger.Warnw("dropping message for slow subscriber", "channel", m.Channel)
		}
		return false
	}
}

func (c *memoryClient) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return domain.NewChannelError("join "+channel, ErrNotLoggedIn)
	}
	c.channels[channel] = struct{}{}
	c.mu.Unlock()

	c.hub.join(c, channel)
	return nil
}

func (c *memoryClient) Publish(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPublishError("publish", err)
	}
	c.mu.Lock()
	_, joined := c.channels[channel]
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return domain.NewPublishError("publish", ErrNotLoggedIn)
	}
	if !joined {
		return domain.NewPublishError("publish", ErrNotSubscribed)
	}

	c.hub.broadcast(c.appID, channel, payload)
	return nil
}

func (c *memoryClient) OnMessage(handler func(ports.InboundMessage)) {
	c.slot.set(handler)
}

func (c *memoryClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasLoggedIn := c.loggedIn
	c.loggedIn = false
	channels := c.channels
	c.channels = nil
	if wasLoggedIn {
		close(c.done)
	}
	c.mu.Unlock()

	for channel := range channels {
		c.hub.leave(c, channel)
	}
	return nil
}
