package solace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by live-channel emits while no connection is up.
var ErrNotConnected = errors.New("realtime: not connected")

// ============================================================================
// Event names
// ============================================================================

// Inbound event types.
const (
	EventTypeAuthenticated       = "authenticated"
	EventTypeNewMessage          = "new_message"
	EventTypeMessagesRead        = "messages_read"
	EventTypeUserTyping          = "user_typing"
	EventTypeOnlineUsers         = "online_users"
	EventTypeMessageNotification = "message_notification"
	EventTypePong                = "pong"
	EventTypeError               = "error"
)

// Outbound command types.
const (
	CommandJoinConversation  = "join_conversation"
	CommandLeaveConversation = "leave_conversation"
	CommandSendMessage       = "send_message"
	CommandMarkRead          = "mark_read"
	CommandTyping            = "typing"
	CommandPing              = "ping"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// MessagesReadPayload is sent when UserID has read ConversationID.
type MessagesReadPayload struct {
	ConversationID string
	UserID         string
	ReadAt         time.Time
}

// TypingPayload is sent when a participant starts or stops typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeEnvelope is the wire format for all live-channel frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the live-channel client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	c.Logger = loggerOrNop(c.Logger)
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// Handlers run on the read loop in emission order. A panicking handler is
// logged and skipped; the remaining handlers still run.
type eventDispatcher struct {
	log     *zap.Logger
	metrics *Metrics

	mu             sync.RWMutex
	generic        map[string][]RealtimeEventHandler
	onNewMessage   []func(json.RawMessage)
	onMessagesRead []func(MessagesReadPayload)
	onTyping       []func(TypingPayload)
	onOnlineUsers  []func([]string)
	onNotification []func(json.RawMessage)
	onError        []func(RealtimeErrorPayload)
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
	onReconnected  []func()
}

func newEventDispatcher(log *zap.Logger, metrics *Metrics) *eventDispatcher {
	return &eventDispatcher{
		log:     log,
		metrics: metrics,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) safeCall(eventType string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("realtime handler panicked", zap.String("event", eventType), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *eventDispatcher) drop(eventType string, err error) {
	d.log.Warn("dropping malformed realtime event", zap.String("event", eventType), zap.Error(err))
	d.metrics.droppedEvent(eventType)
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	newMessage := d.onNewMessage
	messagesRead := d.onMessagesRead
	typing := d.onTyping
	onlineUsers := d.onOnlineUsers
	notification := d.onNotification
	onError := d.onError
	generic := d.generic[env.Type]
	d.mu.RUnlock()

	switch env.Type {
	case EventTypeNewMessage:
		if len(env.Payload) == 0 {
			d.drop(env.Type, errors.New("empty payload"))
			return
		}
		for _, h := range newMessage {
			d.safeCall(env.Type, func() { h(env.Payload) })
		}
	case EventTypeMessagesRead:
		var raw struct {
			ConversationID string   `json:"conversationId"`
			UserID         string   `json:"userId"`
			ReadAt         wireTime `json:"readAt"`
		}
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			d.drop(env.Type, err)
			return
		}
		p := MessagesReadPayload{ConversationID: raw.ConversationID, UserID: raw.UserID, ReadAt: raw.ReadAt.Time}
		for _, h := range messagesRead {
			d.safeCall(env.Type, func() { h(p) })
		}
	case EventTypeUserTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.drop(env.Type, err)
			return
		}
		for _, h := range typing {
			d.safeCall(env.Type, func() { h(p) })
		}
	case EventTypeOnlineUsers:
		ids, err := decodeOnlineUsers(env.Payload)
		if err != nil {
			d.drop(env.Type, err)
			return
		}
		for _, h := range onlineUsers {
			d.safeCall(env.Type, func() { h(ids) })
		}
	case EventTypeMessageNotification:
		for _, h := range notification {
			d.safeCall(env.Type, func() { h(env.Payload) })
		}
	case EventTypeError:
		var p RealtimeErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.drop(env.Type, err)
			return
		}
		for _, h := range onError {
			d.safeCall(env.Type, func() { h(p) })
		}
	}

	for _, h := range generic {
		d.safeCall(env.Type, func() { h(env.Type, env.Payload) })
	}
}

// decodeOnlineUsers accepts ["id", ...] or {"users": [...]} / {"userIds": [...]}.
func decodeOnlineUsers(payload json.RawMessage) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(payload, &ids); err == nil {
		return ids, nil
	}
	var obj struct {
		Users   []string `json:"users"`
		UserIDs []string `json:"userIds"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	if obj.UserIDs != nil {
		return obj.UserIDs, nil
	}
	return obj.Users, nil
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("connected", h)
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("disconnected", func() { h(err) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("reconnecting", func() { h(attempt, delay) })
	}
}

func (d *eventDispatcher) emitReconnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onReconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safeCall("reconnected", h)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// stableConnection is how long a connection must stay up before the retry
// budget is restored.
const stableConnection = 60 * time.Second

type reconnector struct {
	mu          sync.Mutex
	policy      backoff.BackOff
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = config.ReconnectBaseDelay
	eb.MaxInterval = config.ReconnectMaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.25
	eb.MaxElapsedTime = 0

	var policy backoff.BackOff = eb
	if config.MaxReconnectAttempts > 0 {
		policy = backoff.WithMaxRetries(eb, uint64(config.MaxReconnectAttempts))
	}
	policy.Reset()
	return &reconnector{policy: policy}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the wait before the next attempt, or false once the
// retry budget is spent.
func (r *reconnector) nextDelay() (time.Duration, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.policy.Reset()
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	delay := r.policy.NextBackOff()
	if delay == backoff.Stop {
		return 0, r.attempt, false
	}
	r.attempt++
	return delay, r.attempt, true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.policy.Reset()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single live connection of an authenticated session:
// connect, authenticate, heartbeat and reconnect with backoff.
type RealtimeClient struct {
	url        string
	config     *RealtimeConfig
	log        *zap.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	userID           string
	intentionalClose bool
	// epoch changes on every Connect; attempts from an older epoch never
	// install a connection or touch its state.
	epoch uint64
	// reconnecting stays set for the whole reconnect loop, including the
	// gaps between failed dials.
	reconnecting bool
	cancelFn     context.CancelFunc
	stopCh           chan struct{}

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewRealtimeClient creates a client for the WebSocket endpoint wsURL.
func NewRealtimeClient(wsURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		url:          wsURL,
		config:       &cfg,
		log:          cfg.Logger.Named("realtime"),
		dispatcher:   newEventDispatcher(cfg.Logger.Named("realtime"), cfg.Metrics),
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		stopCh:       make(chan struct{}),
		pendingPings: make(map[string]chan struct{}),
	}
}

// OnNewMessage registers a handler for raw new_message payloads.
func (c *RealtimeClient) OnNewMessage(h func(json.RawMessage)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onNewMessage = append(c.dispatcher.onNewMessage, h)
	c.dispatcher.mu.Unlock()
}

// OnMessagesRead registers a handler for read receipts.
func (c *RealtimeClient) OnMessagesRead(h func(MessagesReadPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMessagesRead = append(c.dispatcher.onMessagesRead, h)
	c.dispatcher.mu.Unlock()
}

// OnUserTyping registers a handler for typing notifications.
func (c *RealtimeClient) OnUserTyping(h func(TypingPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onTyping = append(c.dispatcher.onTyping, h)
	c.dispatcher.mu.Unlock()
}

// OnOnlineUsers registers a handler for presence snapshots.
func (c *RealtimeClient) OnOnlineUsers(h func([]string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onOnlineUsers = append(c.dispatcher.onOnlineUsers, h)
	c.dispatcher.mu.Unlock()
}

// OnMessageNotification registers a handler for the generic notification
// used to trigger a conversation-list refresh.
func (c *RealtimeClient) OnMessageNotification(h func(json.RawMessage)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onNotification = append(c.dispatcher.onNotification, h)
	c.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (c *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onError = append(c.dispatcher.onError, h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for every successful connection.
func (c *RealtimeClient) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for connection loss.
func (c *RealtimeClient) OnDisconnected(h func(err error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler fired before each reconnect attempt.
func (c *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnected registers a handler fired after an automatic reconnect
// succeeds. Callers use it to re-join the active conversation room.
func (c *RealtimeClient) OnReconnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnected = append(c.dispatcher.onReconnected, h)
	c.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (c *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.generic[eventType] = append(c.dispatcher.generic[eventType], h)
	c.dispatcher.mu.Unlock()
}

// Subscribe registers every callback of l.
func (c *RealtimeClient) Subscribe(l RealtimeListener) {
	c.OnNewMessage(l.HandleNewMessage)
	c.OnMessagesRead(l.HandleMessagesRead)
	c.OnUserTyping(l.HandleUserTyping)
	c.OnOnlineUsers(l.HandleOnlineUsers)
	c.OnMessageNotification(l.HandleMessageNotification)
	c.OnConnected(func() { l.HandleConnectionState(StateConnected) })
	c.OnDisconnected(func(error) { l.HandleConnectionState(StateDisconnected) })
	c.OnReconnecting(func(int, time.Duration) { l.HandleConnectionState(StateReconnecting) })
	c.OnReconnected(l.HandleReconnected)
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the live channel is up.
func (c *RealtimeClient) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect establishes the connection for userID. It is a no-op when already
// connected (or connecting) as the same user; a different user replaces the
// current connection.
func (c *RealtimeClient) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	active := c.reconnecting || c.state == StateConnected || c.state == StateConnecting || c.state == StateReconnecting
	sameUser := c.userID == userID
	c.mu.Unlock()

	if active && sameUser {
		return nil
	}
	if active {
		if err := c.Disconnect(); err != nil {
			c.log.Debug("closing previous connection", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.intentionalClose = false
	c.stopCh = make(chan struct{})
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()
	c.recon.reset()

	return c.connect(ctx, userID, epoch, false)
}

func (c *RealtimeClient) connect(ctx context.Context, userID string, epoch uint64, reconnect bool) error {
	c.mu.Lock()
	if c.intentionalClose || c.epoch != epoch {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateConnecting
	c.userID = userID
	c.mu.Unlock()

	dialURL := c.url + "?token=" + url.QueryEscape(c.config.Token) + "&userId=" + url.QueryEscape(userID)
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		c.setStateFor(epoch, StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setStateFor(epoch, StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventTypeAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		c.setStateFor(epoch, StateDisconnected)
		return fmt.Errorf("expected %q, got %q", EventTypeAuthenticated, env.Type)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentionalClose || c.epoch != epoch {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.log.Info("live channel connected", zap.String("user_id", userID), zap.Bool("reconnect", reconnect))
	c.dispatcher.dispatch(env)
	c.dispatcher.emitConnected()
	if reconnect {
		c.dispatcher.emitReconnected()
	}

	go c.readLoop(loopCtx, conn)
	go c.heartbeatLoop(loopCtx, conn)
	return nil
}

func (c *RealtimeClient) setStateFor(epoch uint64, s RealtimeState) {
	c.mu.Lock()
	if c.epoch == epoch {
		c.state = s
	}
	c.mu.Unlock()
}

// Disconnect closes the connection without reconnecting.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	wasActive := c.state != StateDisconnected
	c.intentionalClose = true
	c.reconnecting = false
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasActive {
		c.dispatcher.emitDisconnected(nil)
	}
	return err
}

// JoinConversation subscribes this client to a conversation room.
func (c *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &RealtimeCommand{
		Type:    CommandJoinConversation,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation stops server-side routing of a room to this client.
func (c *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &RealtimeCommand{
		Type:    CommandLeaveConversation,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// SendMessage emits an outgoing message.
func (c *RealtimeClient) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	return c.Send(ctx, &RealtimeCommand{Type: CommandSendMessage, Payload: msg})
}

// MarkRead emits a read receipt for conversationID on behalf of userID.
func (c *RealtimeClient) MarkRead(ctx context.Context, conversationID, userID string) error {
	return c.Send(ctx, &RealtimeCommand{
		Type:    CommandMarkRead,
		Payload: map[string]string{"conversationId": conversationID, "userId": userID},
	})
}

// Typing emits a typing indicator.
func (c *RealtimeClient) Typing(ctx context.Context, conversationID, userID string, typing bool) error {
	return c.Send(ctx, &RealtimeCommand{
		Type: CommandTyping,
		Payload: TypingPayload{
			ConversationID: conversationID,
			UserID:         userID,
			Typing:         typing,
		},
	})
}

// Send sends a raw command over the live channel.
func (c *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (c *RealtimeClient) Ping(ctx context.Context) error {
	requestID := "ping-" + strconv.FormatInt(c.pingCounter.Add(1), 10)

	ch := make(chan struct{}, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}()

	err := c.Send(ctx, &RealtimeCommand{
		Type:    CommandPing,
		Payload: pongPayload{RequestID: requestID},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.config.PingTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			current := c.conn == conn
			if current {
				c.state = StateDisconnected
				c.conn = nil
				if c.config.AutoReconnect && !intentional {
					c.reconnecting = true
				}
			}
			userID, epoch := c.userID, c.epoch
			c.mu.Unlock()
			if intentional || !current {
				return
			}

			c.log.Warn("live channel lost", zap.Error(err))
			c.clearPendingPings()
			c.dispatcher.emitDisconnected(err)

			if c.config.AutoReconnect {
				c.reconnectLoop(userID, epoch)
			}
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.dispatcher.drop("unknown", fmt.Errorf("invalid envelope: %v", err))
			continue
		}

		if env.Type == EventTypePong {
			c.resolvePing(env.Payload)
			continue
		}

		c.dispatcher.dispatch(env)
	}
}

func (c *RealtimeClient) resolvePing(payload json.RawMessage) {
	var p pongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pendingPings[p.RequestID]
	if ok {
		delete(c.pendingPings, p.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				return
			}
			if err := c.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop runs with c.reconnecting set; the flag is cleared on exit
// unless a newer Connect took over.
func (c *RealtimeClient) reconnectLoop(userID string, epoch uint64) {
	defer func() {
		c.mu.Lock()
		if c.epoch == epoch {
			c.reconnecting = false
		}
		c.mu.Unlock()
	}()
	for {
		delay, attempt, ok := c.recon.nextDelay()
		if !ok {
			c.log.Warn("giving up on live channel; continuing on REST", zap.Int("attempts", attempt))
			c.setStateFor(epoch, StateDisconnected)
			return
		}

		c.mu.Lock()
		if c.intentionalClose || c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		stop := c.stopCh
		c.mu.Unlock()

		c.config.Metrics.reconnectAttempt()
		c.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ReconnectMaxDelay)
		err := c.connect(ctx, userID, epoch, true)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrNotConnected) {
			return
		}
		c.log.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *RealtimeClient) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}
