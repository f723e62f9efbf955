package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/core/ports"
	"preflight/internal/infrastructure/middleware"
	apperrors "preflight/pkg/errors"
	"preflight/pkg/tracing"
	"preflight/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types sent by the server.
const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"
	TypeAck      = "ack"
)

// Command types accepted from clients.
const (
	CmdStart          = "start"
	CmdReset          = "reset"
	CmdResolveSpeaker = "speaker_resolve"
	CmdRejectSpeaker  = "speaker_reject"
	CmdJump           = "jump"
	CmdSetProxy       = "set_proxy"
)

type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type jumpPayload struct {
	Stage string `json:"stage"`
}

// ConnectionGate admits or rejects new connections.
type ConnectionGate interface {
	Acquire(r *http.Request) (release func(), ok bool)
}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	CommandTimeout time.Duration
	Gate           ConnectionGate
	// Authorize is consulted before every command. Nil allows all.
	Authorize func(ctx context.Context) error
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		AllowedOrigins: []string{"*"},
		CommandTimeout: 5 * time.Second,
	}
}

// WebSocketServer pushes every published snapshot to its clients and
// accepts run commands from them.
type WebSocketServer struct {
	controller ports.DiagnosticsController
	opts       Options
	upgrader   websocket.Upgrader

	clients map[string]*websocket.Conn
	mu      sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(controller ports.DiagnosticsController, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		controller: controller,
		opts:       opts,
		clients:    make(map[string]*websocket.Conn),
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	release := func() {}
	if s.opts.Gate != nil {
		var ok bool
		if release, ok = s.opts.Gate.Acquire(r); !ok {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := utils.GenerateClientID()
	s.mu.Lock()
	s.clients[clientID] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		s.logger.Infow("client disconnected", "client_id", clientID)
	}()
	s.logger.Infow("client connected", "client_id", clientID, "remote", r.RemoteAddr)

	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	feed, cancel := s.controller.Subscribe()
	defer cancel()

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	// reader
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	// All writes happen on this goroutine.
	for {
		select {
		case snap, ok := <-feed:
			if !ok {
				s.writeClose(conn, websocket.CloseGoingAway, "diagnostics closed")
				return
			}
			if err := s.write(conn, TypeSnapshot, "", snap); err != nil {
				s.logger.Debugw("failed to push snapshot", "client_id", clientID, "error", err)
				return
			}

		case msg := <-messageChan:
			reply := s.handleMessage(r.Context(), clientID, msg)
			if err := s.write(conn, reply.Type, msg.ID, reply.Payload); err != nil {
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("error sending ping", "client_id", clientID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from client", "client_id", clientID, "error", err)
			}
			return
		}
	}
}

type reply struct {
	Type    string
	Payload interface{}
}

func errorReply(err error) reply {
	appErr := middleware.CommandError(err)
	return reply{Type: TypeError, Payload: ErrorPayload{Code: string(appErr.Code), Message: appErr.Message}}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, clientID string, msg Message) reply {
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, clientID)
	err := s.dispatch(ctx, msg)
	tracing.End(span, err)

	if err != nil {
		s.logger.Debugw("command rejected", "client_id", clientID, "type", msg.Type, "error", err)
		return errorReply(err)
	}
	return reply{Type: TypeAck}
}

func (s *WebSocketServer) dispatch(ctx context.Context, msg Message) error {
	if s.opts.Authorize != nil {
		if err := s.opts.Authorize(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	switch msg.Type {
	case CmdStart:
		return s.controller.Start(ctx)
	case CmdReset:
		return s.controller.Reset(ctx)
	case CmdResolveSpeaker:
		return s.controller.ResolveSpeaker(ctx)
	case CmdRejectSpeaker:
		return s.controller.RejectSpeaker(ctx)
	case CmdJump:
		var p jumpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return apperrors.NewInvalidInputError("invalid jump payload")
		}
		id, err := domain.ParseStageID(p.Stage)
		if err != nil {
			return err
		}
		return s.controller.JumpToStage(ctx, id)
	case CmdSetProxy:
		var p domain.ProxySettings
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return apperrors.NewInvalidInputError("invalid proxy payload")
		}
		if err := p.Validate(); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		return s.controller.SetProxy(ctx, p)
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %q", msg.Type))
	}
}

func (s *WebSocketServer) write(conn *websocket.Conn, typ, id string, payload interface{}) error {
	msg := Message{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *WebSocketServer) writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// ConnectedClients returns the number of open connections.
func (s *WebSocketServer) ConnectedClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll closes every client connection.
func (s *WebSocketServer) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.clients {
		s.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		delete(s.clients, id)
	}
}
