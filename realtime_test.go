package solace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test server
// ============================================================================

type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	accepted atomic.Int32
	commands chan RealtimeEnvelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, commands: make(chan RealtimeEnvelope, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "tok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.accepted.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	ctx := r.Context()
	s.write(ctx, conn, EventTypeAuthenticated, map[string]string{"userId": r.URL.Query().Get("userId")})
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == CommandPing {
			conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong","payload":`+string(env.Payload)+`}`))
			continue
		}
		s.commands <- env
	}
}

func (s *wsServer) write(ctx context.Context, conn *websocket.Conn, eventType string, payload any) {
	data, _ := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// push sends a raw frame to the latest connection.
func (s *wsServer) push(raw string) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(s.t, conn.Write(context.Background(), websocket.MessageText, []byte(raw)))
}

// drop kills every server-side connection.
func (s *wsServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (s *wsServer) nextCommand(t *testing.T) RealtimeEnvelope {
	t.Helper()
	select {
	case env := <-s.commands:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return RealtimeEnvelope{}
	}
}

func connectTestClient(t *testing.T, srv *wsServer, cfg RealtimeConfig) *RealtimeClient {
	t.Helper()
	cfg.Token = "tok"
	rt := NewRealtimeClient(srv.url(), &cfg)
	require.NoError(t, rt.Connect(context.Background(), "u-1"))
	t.Cleanup(func() { _ = rt.Disconnect() })
	return rt
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	t.Run("idempotent for the same user", func(t *testing.T) {
		srv := newWSServer(t)
		rt := connectTestClient(t, srv, RealtimeConfig{})

		assert.True(t, rt.IsConnected())
		require.NoError(t, rt.Connect(context.Background(), "u-1"))
		assert.Equal(t, int32(1), srv.accepted.Load())
	})

	t.Run("different user reconnects", func(t *testing.T) {
		srv := newWSServer(t)
		rt := connectTestClient(t, srv, RealtimeConfig{})

		require.NoError(t, rt.Connect(context.Background(), "u-2"))
		assert.Equal(t, int32(2), srv.accepted.Load())
		assert.True(t, rt.IsConnected())
	})

	t.Run("bad token", func(t *testing.T) {
		srv := newWSServer(t)
		rt := NewRealtimeClient(srv.url(), &RealtimeConfig{Token: "wrong"})
		assert.Error(t, rt.Connect(context.Background(), "u-1"))
		assert.Equal(t, StateDisconnected, rt.State())
	})

	t.Run("a running reconnect loop counts as active", func(t *testing.T) {
		srv := newWSServer(t)
		rt := NewRealtimeClient(srv.url(), &RealtimeConfig{Token: "tok", AutoReconnect: true})
		// Between two failed dials the state reads disconnected.
		rt.mu.Lock()
		rt.userID = "u-1"
		rt.reconnecting = true
		rt.mu.Unlock()

		require.NoError(t, rt.Connect(context.Background(), "u-1"))
		assert.Zero(t, srv.accepted.Load())
	})

	t.Run("attempts from an older connection are ignored", func(t *testing.T) {
		srv := newWSServer(t)
		rt := connectTestClient(t, srv, RealtimeConfig{})

		assert.ErrorIs(t, rt.connect(context.Background(), "u-1", 0, true), ErrNotConnected)
		assert.Equal(t, int32(1), srv.accepted.Load())
		assert.True(t, rt.IsConnected())
	})

	t.Run("emits require a connection", func(t *testing.T) {
		rt := NewRealtimeClient("ws://127.0.0.1:1/ws", nil)
		assert.ErrorIs(t, rt.JoinConversation(context.Background(), "c-1"), ErrNotConnected)
		assert.ErrorIs(t, rt.SendMessage(context.Background(), OutgoingMessage{}), ErrNotConnected)
	})
}

func TestRealtimeCommands(t *testing.T) {
	srv := newWSServer(t)
	rt := connectTestClient(t, srv, RealtimeConfig{})
	ctx := context.Background()

	require.NoError(t, rt.JoinConversation(ctx, "c-1"))
	env := srv.nextCommand(t)
	assert.Equal(t, CommandJoinConversation, env.Type)
	assert.JSONEq(t, `{"conversationId":"c-1"}`, string(env.Payload))

	require.NoError(t, rt.SendMessage(ctx, OutgoingMessage{
		ConversationID: "c-1", SenderID: "u-1", ReceiverID: "p-1", Content: "hi", TempID: "temp-1-x",
		SenderDetails: patient, ReceiverDetails: doctor,
	}))
	env = srv.nextCommand(t)
	assert.Equal(t, CommandSendMessage, env.Type)
	var out OutgoingMessage
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	assert.Equal(t, "temp-1-x", out.TempID)
	assert.Equal(t, "Rui", out.ReceiverDetails.FirstName)

	require.NoError(t, rt.Typing(ctx, "c-1", "u-1", true))
	env = srv.nextCommand(t)
	assert.JSONEq(t, `{"conversationId":"c-1","userId":"u-1","typing":true}`, string(env.Payload))

	require.NoError(t, rt.MarkRead(ctx, "c-1", "u-1"))
	assert.Equal(t, CommandMarkRead, srv.nextCommand(t).Type)

	require.NoError(t, rt.LeaveConversation(ctx, "c-1"))
	assert.Equal(t, CommandLeaveConversation, srv.nextCommand(t).Type)

	require.NoError(t, rt.Ping(ctx))
}

func TestRealtimeDispatch(t *testing.T) {
	srv := newWSServer(t)
	rt := connectTestClient(t, srv, RealtimeConfig{})

	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	rt.OnNewMessage(func(p json.RawMessage) { panic("bad handler") })
	rt.OnNewMessage(func(p json.RawMessage) { note("message") })
	rt.OnMessagesRead(func(p MessagesReadPayload) { note("read:" + p.UserID) })
	rt.OnUserTyping(func(p TypingPayload) { note("typing:" + p.ConversationID) })
	rt.OnOnlineUsers(func(ids []string) { note("online:" + strings.Join(ids, ",")) })
	rt.OnMessageNotification(func(json.RawMessage) { note("notify") })
	rt.On(EventTypeUserTyping, func(string, json.RawMessage) { note("generic") })

	srv.push(`{"type":"new_message","payload":{"id":"m-1"}}`)
	srv.push(`{"type":"user_typing","payload":"not an object"}`)
	srv.push(`garbage`)
	srv.push(`{"type":"messages_read","payload":{"conversationId":"c-1","userId":"p-1"}}`)
	srv.push(`{"type":"user_typing","payload":{"conversationId":"c-1","userId":"p-1","typing":true}}`)
	srv.push(`{"type":"online_users","payload":{"users":["p-1","p-2"]}}`)
	srv.push(`{"type":"online_users","payload":["p-3"]}`)
	srv.push(`{"type":"message_notification","payload":{}}`)

	want := []string{"message", "read:p-1", "typing:c-1", "generic", "online:p-1,p-2", "online:p-3", "notify"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, order)
	mu.Unlock()
	assert.True(t, rt.IsConnected())
}

func TestRealtimeReconnect(t *testing.T) {
	srv := newWSServer(t)
	reconnected := make(chan struct{}, 1)
	var disconnects atomic.Int32
	cfg := RealtimeConfig{
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}
	rt := NewRealtimeClient(srv.url(), &cfg)
	rt.OnDisconnected(func(error) { disconnects.Add(1) })
	rt.OnReconnected(func() { reconnected <- struct{}{} })
	require.NoError(t, rt.Connect(context.Background(), "u-1"))
	defer rt.Disconnect()

	srv.drop()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("expected reconnect")
	}
	assert.True(t, rt.IsConnected())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, int32(2), srv.accepted.Load())
}

func TestRealtimeDisconnectIsFinal(t *testing.T) {
	srv := newWSServer(t)
	cfg := RealtimeConfig{AutoReconnect: true, ReconnectBaseDelay: 10 * time.Millisecond}
	rt := connectTestClient(t, srv, cfg)

	require.NoError(t, rt.Disconnect())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, rt.State())
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestReconnectorBudget(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
	})
	for i := 1; i <= 3; i++ {
		d, attempt, ok := r.nextDelay()
		require.True(t, ok)
		assert.Equal(t, i, attempt)
		assert.LessOrEqual(t, d, time.Second+250*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
	_, _, ok := r.nextDelay()
	assert.False(t, ok)

	r.reset()
	_, attempt, ok := r.nextDelay()
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)
}

func TestSessionOverRealtime(t *testing.T) {
	srv := newWSServer(t)
	api := &mockAPI{}
	api.On("ListConversations", mock.Anything).Return([]Conversation{conv("c-1", 0, t0)}, nil)
	rt := NewRealtimeClient(srv.url(), &RealtimeConfig{Token: "tok"})
	s, err := NewSession(patient, api, rt, WithPollInterval(0))
	require.NoError(t, err)
	defer s.Close()

	s.Start(context.Background())
	require.True(t, s.Connected())

	srv.push(`{"type":"new_message","payload":{"_id":"m-1","conversationId":"c-1","sender":"p-1","receiver":"u-1","content":"hello"}}`)
	require.Eventually(t, func() bool {
		c, _ := s.Conversation("c-1")
		return c.UnreadCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	srv.push(`{"type":"online_users","payload":["p-1"]}`)
	require.Eventually(t, func() bool { return s.IsOnline("p-1") }, 2*time.Second, 5*time.Millisecond)
}
