package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"preflight/internal/core/domain"
	"preflight/internal/testutil"
	apperrors "preflight/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func newServer(t *testing.T, controller *testutil.MockController, opts Options) (*WebSocketServer, *httptest.Server) {
	ws := NewWebSocketServer(controller, opts, zaptest.NewLogger(t).Sugar())
	server := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(server.Close)
	return ws, server
}

func TestWebSocketServer_PushesSnapshotsAndRunsCommands(t *testing.T) {
	feed := make(chan domain.Snapshot, 1)
	feed <- domain.Snapshot{RunID: "r1", CurrentStage: domain.StageIdle}

	controller := new(testutil.MockController)
	controller.On("Subscribe").Return((<-chan domain.Snapshot)(feed), func() {})
	controller.On("Start").Return(nil).Once()
	controller.On("SetProxy", domain.ProxySettings{Enabled: true, Mode: domain.ProxyModeFixed}).Return(domain.ErrRunInProgress)

	ws, server := newServer(t, controller, DefaultOptions())
	conn := dial(t, server)

	msg := readMessage(t, conn)
	require.Equal(t, TypeSnapshot, msg.Type)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snap))
	assert.Equal(t, "r1", snap.RunID)
	assert.Equal(t, 1, ws.ConnectedClients())

	require.NoError(t, conn.WriteJSON(Message{Type: CmdStart, ID: "1"}))
	msg = readMessage(t, conn)
	assert.Equal(t, TypeAck, msg.Type)
	assert.Equal(t, "1", msg.ID)

	require.NoError(t, conn.WriteJSON(Message{Type: CmdSetProxy, ID: "2", Payload: json.RawMessage(`{"isEnabled":true,"mode":"fixed"}`)}))
	msg = readMessage(t, conn)
	require.Equal(t, TypeError, msg.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, string(apperrors.ErrCodeRunInProgress), payload.Code)

	feed <- domain.Snapshot{RunID: "r1", CurrentStage: domain.StageCompatibility, Testing: true}
	msg = readMessage(t, conn)
	require.Equal(t, TypeSnapshot, msg.Type)

	controller.AssertExpectations(t)
}

func TestWebSocketServer_RejectsBadCommands(t *testing.T) {
	controller := new(testutil.MockController)
	controller.On("Subscribe").Return((<-chan domain.Snapshot)(make(chan domain.Snapshot)), func() {})

	_, server := newServer(t, controller, DefaultOptions())
	conn := dial(t, server)

	tests := []struct {
		msg  Message
		code apperrors.ErrorCode
	}{
		{msg: Message{Type: "launch"}, code: apperrors.ErrCodeInvalidInput},
		{msg: Message{Type: CmdJump, Payload: json.RawMessage(`{"stage":"9"}`)}, code: apperrors.ErrCodeInvalidInput},
		{msg: Message{Type: CmdSetProxy, Payload: json.RawMessage(`{"mode":"tunnel"}`)}, code: apperrors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		require.NoError(t, conn.WriteJSON(tt.msg))
		msg := readMessage(t, conn)
		require.Equal(t, TypeError, msg.Type, tt.msg.Type)
		var payload ErrorPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, string(tt.code), payload.Code, tt.msg.Type)
	}
	controller.AssertNotCalled(t, "JumpToStage", mock.Anything)
}

func TestWebSocketServer_AuthorizeGuardsCommands(t *testing.T) {
	controller := new(testutil.MockController)
	controller.On("Subscribe").Return((<-chan domain.Snapshot)(make(chan domain.Snapshot)), func() {})

	opts := DefaultOptions()
	opts.Authorize = func(ctx context.Context) error {
		return apperrors.NewForbiddenError("scope operator required")
	}
	_, server := newServer(t, controller, opts)
	conn := dial(t, server)

	require.NoError(t, conn.WriteJSON(Message{Type: CmdReset}))
	msg := readMessage(t, conn)
	require.Equal(t, TypeError, msg.Type)
	controller.AssertNotCalled(t, "Reset")
}

func TestWebSocketServer_ClosedFeedClosesConnection(t *testing.T) {
	feed := make(chan domain.Snapshot)
	controller := new(testutil.MockController)
	controller.On("Subscribe").Return((<-chan domain.Snapshot)(feed), func() {})

	ws, server := newServer(t, controller, DefaultOptions())
	conn := dial(t, server)
	close(feed)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return ws.ConnectedClients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowedOrigins = []string{"https://ops.example.com"}
	ws := NewWebSocketServer(nil, opts, zaptest.NewLogger(t).Sugar())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, ws.checkOrigin(req))
	req.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, ws.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, ws.checkOrigin(req))
}
