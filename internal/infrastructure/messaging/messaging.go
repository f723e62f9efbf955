// Package messaging provides the messaging providers the diagnostics
// messaging stage logs into: an in-process hub, Redis pub/sub and NATS.
package messaging

import (
	"errors"
	"sync"

	"preflight/internal/core/ports"
)

var (
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrNotSubscribed = errors.New("not subscribed to channel")
	ErrLoggedOut     = errors.New("client logged out")
	ErrMissingUserID = errors.New("user id is required")
)

// LoginVerifier checks the credentials presented at login. A nil
// verifier accepts every login.
type LoginVerifier func(userID, token string) error

func (v LoginVerifier) verify(userID, token string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if v == nil {
		return nil
	}
	return v(userID, token)
}

// handlerSlot holds the inbound handler of a client.
type handlerSlot struct {
	mu      sync.RWMutex
	handler func(ports.InboundMessage)
}

func (s *handlerSlot) set(handler func(ports.InboundMessage)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *handlerSlot) dispatch(m ports.InboundMessage) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler != nil {
		handler(m)
	}
}
