package ports

import (
	"context"

	"preflight/internal/core/domain"
)

type ConnectionState string

const (
	StateNew           ConnectionState = "new"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
	StateDisconnected  ConnectionState = "disconnected"
	StateFailed        ConnectionState = "failed"
	StateClosed        ConnectionState = "closed"
)

type TransportEventType string

const (
	EventConnectionStateChanged TransportEventType = "connection-state-change"
	EventParticipantJoined      TransportEventType = "user-published"
	EventParticipantLeft        TransportEventType = "user-left"
)

// TransportEvent is emitted by the receiving session.
type TransportEvent struct {
	Type        TransportEventType
	Participant string
	State       ConnectionState
}

// TransportConfig carries the identity and credentials for one session.
type TransportConfig struct {
	AppID       string
	Channel     string
	Participant string
	Token       string
	Proxy       domain.ProxySettings
}

// TransportManager owns one sending and one receiving session.
type TransportManager interface {
	// OnEvent replaces the handler for receiving-session events. A nil
	// handler discards events.
	OnEvent(handler func(TransportEvent))
	OpenReceiver(ctx context.Context, cfg TransportConfig) error
	OpenSender(ctx context.Context, cfg TransportConfig) error
	SampleStats(ctx context.Context) (domain.TransportStats, error)
	CloseAll(ctx context.Context) error
}
