package solace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultPollInterval is how often conversations are refreshed over REST
// while the live channel is down.
const DefaultPollInterval = 15 * time.Second

// ============================================================================
// Collaborators
// ============================================================================

// API is the REST surface the messaging core consumes. *Client satisfies it.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	StartConversation(ctx context.Context, counterpartID, initialMessage string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID, before string, limit int) (MessagePage, error)
	SendMessage(ctx context.Context, conversationID, content, tempID string) (*Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// RealtimeListener receives live-channel events in emission order.
type RealtimeListener interface {
	HandleNewMessage(payload json.RawMessage)
	HandleMessagesRead(p MessagesReadPayload)
	HandleUserTyping(p TypingPayload)
	HandleOnlineUsers(userIDs []string)
	HandleMessageNotification(payload json.RawMessage)
	HandleConnectionState(state RealtimeState)
	HandleReconnected()
}

// Channel is the live push channel. *RealtimeClient satisfies it.
type Channel interface {
	Connect(ctx context.Context, userID string) error
	Disconnect() error
	IsConnected() bool
	Subscribe(l RealtimeListener)
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, msg OutgoingMessage) error
	MarkRead(ctx context.Context, conversationID, userID string) error
	Typing(ctx context.Context, conversationID, userID string, typing bool) error
}

// offlineChannel stands in when no live channel is configured.
type offlineChannel struct{}

func (offlineChannel) Connect(context.Context, string) error { return ErrNotConnected }
func (offlineChannel) Disconnect() error                     { return nil }
func (offlineChannel) IsConnected() bool                     { return false }
func (offlineChannel) Subscribe(RealtimeListener)            {}
func (offlineChannel) JoinConversation(context.Context, string) error {
	return ErrNotConnected
}
func (offlineChannel) LeaveConversation(context.Context, string) error {
	return ErrNotConnected
}
func (offlineChannel) SendMessage(context.Context, OutgoingMessage) error {
	return ErrNotConnected
}
func (offlineChannel) MarkRead(context.Context, string, string) error {
	return ErrNotConnected
}
func (offlineChannel) Typing(context.Context, string, string, bool) error {
	return ErrNotConnected
}

// ============================================================================
// Options
// ============================================================================

type sessionOptions struct {
	logger         *zap.Logger
	metrics        *Metrics
	pageSize       int
	seenCapacity   int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	typingTTL      time.Duration
	typingInterval time.Duration
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

func WithLogger(l *zap.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithPageSize sets the message page size (default 50).
func WithPageSize(n int) SessionOption {
	return func(o *sessionOptions) { o.pageSize = n }
}

// WithSeenCapacity bounds the ingested-id set (default 4096).
func WithSeenCapacity(n int) SessionOption {
	return func(o *sessionOptions) { o.seenCapacity = n }
}

// WithConfirmTimeout sets how long a live send waits for its echo before
// the REST re-send.
func WithConfirmTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.confirmTimeout = d }
}

// WithPollInterval sets the degraded-mode refresh period. Zero or negative
// disables polling.
func WithPollInterval(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.pollInterval = d }
}

// WithTypingTTL sets how long a typing indicator lives without updates.
func WithTypingTTL(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.typingTTL = d }
}

// WithTypingInterval sets the minimum gap between outbound typing:true emits.
func WithTypingInterval(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.typingInterval = d }
}

// ============================================================================
// Session
// ============================================================================

// Session is the messaging core of one authenticated user. The user identity
// is passed in explicitly; nothing is read from ambient state.
type Session struct {
	self    Participant
	api     API
	rt      Channel
	log     *zap.Logger
	metrics *Metrics
	opts    sessionOptions

	events   *emitter
	dir      *Directory
	sync     *Synchronizer
	presence *Presence
	composer *Composer

	loads singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewSession wires the messaging components for self. rt may be nil, in
// which case the session runs on REST alone.
func NewSession(self Participant, api API, rt Channel, opts ...SessionOption) (*Session, error) {
	if self.ID == "" {
		return nil, errors.New("session: participant id is required")
	}
	if api == nil {
		return nil, errors.New("session: api is required")
	}
	o := sessionOptions{
		pageSize:       DefaultPageSize,
		seenCapacity:   DefaultSeenCapacity,
		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   DefaultPollInterval,
		typingTTL:      DefaultTypingTTL,
		typingInterval: DefaultTypingInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if rt == nil {
		rt = offlineChannel{}
	}
	log := loggerOrNop(o.logger).With(zap.String("user_id", self.ID))

	s := &Session{
		self:    self,
		api:     api,
		rt:      rt,
		log:     log,
		metrics: o.metrics,
		opts:    o,
		events:  newEmitter(log),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.dir = newDirectory(api, log.Named("directory"))
	s.sync, err = newSynchronizer(api, s.dir, self.ID, o.pageSize, o.seenCapacity, log.Named("sync"), o.metrics)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.presence = newPresence(self.ID, o.typingTTL, o.typingInterval, s.typingExpired)
	s.composer = &Composer{
		self:           self,
		api:            api,
		rt:             rt,
		sync:           s.sync,
		dir:            s.dir,
		log:            log.Named("composer"),
		metrics:        o.metrics,
		confirmTimeout: o.confirmTimeout,
		onChange:       s.emitMessages,
		onConfirm:      s.applyConfirmed,
		onFailure:      func(f SendFailure) { s.events.emit(EventSendFailed, f) },
		spawn:          s.goBackground,
	}

	rt.Subscribe(s)
	return s, nil
}

// Self returns the session's participant.
func (s *Session) Self() Participant { return s.self }

// On registers a UI event handler.
func (s *Session) On(event string, handler EventHandler) {
	s.events.On(event, handler)
}

// Start connects the live channel, loads the conversation list and starts
// the degraded-mode poller. A connect failure is not an error: the session
// keeps working over REST.
func (s *Session) Start(ctx context.Context) {
	if err := s.rt.Connect(ctx, s.self.ID); err != nil {
		s.log.Info("live channel unavailable, running in degraded mode", zap.Error(err))
		s.events.emit(EventConnection, StateDisconnected)
	}
	s.LoadConversations(ctx)
	if s.opts.pollInterval > 0 {
		s.goBackground("poller", s.pollLoop)
	}
}

func (s *Session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.rt.IsConnected() {
			continue
		}
		s.log.Debug("polling while disconnected")
		connectCtx, cancel := context.WithTimeout(ctx, s.opts.pollInterval)
		err := s.rt.Connect(connectCtx, s.self.ID)
		cancel()
		if err == nil && s.rt.IsConnected() {
			s.log.Info("live channel restored by poller")
			s.resync(ctx)
			continue
		}
		s.Refresh(ctx)
	}
}

// Close stops background work and disconnects the live channel. It waits
// for in-flight background tasks.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.rt.Disconnect()
	s.wg.Wait()
	s.presence.Close()
	s.events.removeAll()
	return err
}

// goBackground runs fn on a tracked goroutine bound to the session lifetime.
func (s *Session) goBackground(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(s.ctx)
	}()
}

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations refreshes the directory. Failures surface as an empty
// list plus an EventWarning; the previous cache is kept for later reads.
func (s *Session) LoadConversations(ctx context.Context) []Conversation {
	v, err, _ := s.loads.Do("conversations", func() (interface{}, error) {
		return s.dir.Load(ctx)
	})
	if err != nil {
		s.warn("load_conversations", "failed to load conversations", err)
		return []Conversation{}
	}
	convs := v.([]Conversation)
	s.events.emit(EventConversationsChanged, convs)
	return convs
}

// StartConversation creates or fetches the conversation with counterpartID,
// refreshes the directory and selects it.
func (s *Session) StartConversation(ctx context.Context, counterpartID, initialMessage string) (*Conversation, error) {
	conv, err := s.dir.Start(ctx, counterpartID, initialMessage)
	if err != nil {
		s.warn("start_conversation", "failed to start conversation", err)
		return nil, err
	}
	s.events.emit(EventConversationsChanged, s.dir.Conversations())
	if err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// Conversations returns the cached conversation list.
func (s *Session) Conversations() []Conversation {
	return s.dir.Conversations()
}

// Conversation returns one cached conversation.
func (s *Session) Conversation(id string) (Conversation, bool) {
	return s.dir.Get(id)
}

// TotalUnread sums unread badges.
func (s *Session) TotalUnread() int {
	return s.dir.TotalUnread()
}

// MarkRead zeroes the unread badge at once and sends the read receipt over
// the live channel, falling back to REST.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	if s.dir.MarkRead(conversationID) {
		s.events.emit(EventConversationsChanged, s.dir.Conversations())
	}
	err := s.rt.MarkRead(ctx, conversationID, s.self.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		s.log.Debug("live read receipt failed, using REST", conversationField(conversationID), zap.Error(err))
	}
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		s.log.Warn("failed to mark conversation read", conversationField(conversationID), zap.Error(err))
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// SelectConversation makes id the open conversation: the previous room is
// left, the new one joined and its newest page loaded. Responses for a
// conversation selected earlier are discarded.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoConversation
	}
	previous := s.sync.Select(id)
	if previous != "" && previous != id {
		s.leaveRoom(ctx, previous)
	}
	if err := s.rt.JoinConversation(ctx, id); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Warn("failed to join conversation room", conversationField(id), zap.Error(err))
	}
	s.emitMessages()
	s.emitTyping(id)

	applied, err := s.sync.LoadInitialPage(ctx, id)
	if err != nil {
		s.warn("load_messages", "failed to load messages", err)
		return err
	}
	if !applied {
		return nil
	}
	s.emitMessages()
	if conv, ok := s.dir.Get(id); ok && conv.UnreadCount > 0 {
		_ = s.MarkRead(ctx, id)
	}
	return nil
}

// LeaveConversation closes the open conversation and leaves its room.
func (s *Session) LeaveConversation(ctx context.Context) {
	previous := s.sync.Reset()
	if previous == "" {
		return
	}
	s.leaveRoom(ctx, previous)
	s.emitMessages()
}

func (s *Session) leaveRoom(ctx context.Context, id string) {
	if err := s.rt.LeaveConversation(ctx, id); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Warn("failed to leave conversation room", conversationField(id), zap.Error(err))
	}
}

// LoadOlderPage prepends older history to the open conversation and
// returns how many messages were added.
func (s *Session) LoadOlderPage(ctx context.Context) (int, error) {
	n, err := s.sync.LoadOlderPage(ctx)
	if err != nil {
		s.warn("load_messages", "failed to load messages", err)
		return 0, err
	}
	if n > 0 {
		s.emitMessages()
	}
	return n, nil
}

// Send sends content to the open conversation.
func (s *Session) Send(ctx context.Context, content string) (*Message, error) {
	return s.composer.Send(ctx, content)
}

// Retry re-sends a failed placeholder as a new message. A late delivery of
// the original send is ignored.
func (s *Session) Retry(ctx context.Context, tempID string) (*Message, error) {
	failed, ok := s.sync.Retire(tempID)
	if !ok {
		return nil, fmt.Errorf("retry %s: no such unconfirmed message", tempID)
	}
	s.emitMessages()
	return s.composer.Send(ctx, failed.Content)
}

// SetTyping announces the local user's typing state in the open
// conversation. There is no REST fallback; a down channel is not an error.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	id := s.sync.Active()
	if id == "" {
		return ErrNoConversation
	}
	if !s.presence.AllowTypingEmit(typing) {
		return nil
	}
	if err := s.rt.Typing(ctx, id, s.self.ID, typing); err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("typing: %w", err)
	}
	return nil
}

// Refresh reloads the conversation list and merges the newest page of the
// open conversation.
func (s *Session) Refresh(ctx context.Context) {
	s.LoadConversations(ctx)
	n, err := s.sync.CatchUp(ctx)
	if err != nil {
		s.log.Warn("catch-up failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.emitMessages()
	}
}

// Messages returns the open conversation's messages in creation order.
func (s *Session) Messages() []Message { return s.sync.Snapshot() }

// ActiveConversation returns the open conversation id, or "".
func (s *Session) ActiveConversation() string { return s.sync.Active() }

// HasMore reports whether older history may exist for the open conversation.
func (s *Session) HasMore() bool { return s.sync.HasMore() }

// Loading reports whether a page load is in flight.
func (s *Session) Loading() bool { return s.sync.Loading() }

// Connected reports whether the live channel is up.
func (s *Session) Connected() bool { return s.rt.IsConnected() }

// IsOnline reports whether userID is in the latest presence snapshot.
func (s *Session) IsOnline(userID string) bool { return s.presence.IsOnline(userID) }

// CounterpartTyping reports whether the counterpart of the open
// conversation is typing.
func (s *Session) CounterpartTyping() bool {
	id := s.sync.Active()
	return id != "" && s.presence.IsTyping(id)
}

// ============================================================================
// Live-channel events
// ============================================================================

// HandleNewMessage normalizes and ingests a pushed message. Malformed
// payloads are logged and dropped.
func (s *Session) HandleNewMessage(payload json.RawMessage) {
	msg, err := decodeMessage(payload, s.dir, time.Now().UTC())
	if err != nil {
		s.log.Warn("dropping malformed message", zap.String("event", EventTypeNewMessage), zap.Error(err))
		s.metrics.droppedEvent(EventTypeNewMessage)
		return
	}
	s.ingest(msg)
}

func (s *Session) ingest(msg Message) {
	result := s.sync.Ingest(msg)
	if result == IngestDuplicate {
		return
	}

	activeID := ""
	if result != IngestRouted {
		activeID = msg.ConversationID
		s.emitMessages()
	}
	if s.presence.SetTyping(msg.ConversationID, msg.SenderID, false) && activeID != "" {
		s.emitTyping(activeID)
	}

	if s.dir.ApplyIncoming(msg, s.self.ID, activeID) {
		s.events.emit(EventConversationsChanged, s.dir.Conversations())
	} else {
		s.goBackground("refresh conversations", func(ctx context.Context) { s.LoadConversations(ctx) })
	}

	if activeID != "" && msg.ReceiverID == s.self.ID {
		s.goBackground("mark read", func(ctx context.Context) { _ = s.MarkRead(ctx, msg.ConversationID) })
	}
}

func (s *Session) applyConfirmed(msg Message) {
	activeID := ""
	if msg.ConversationID == s.sync.Active() {
		activeID = msg.ConversationID
	}
	if s.dir.ApplyIncoming(msg, s.self.ID, activeID) {
		s.events.emit(EventConversationsChanged, s.dir.Conversations())
	}
}

// HandleMessagesRead applies a read receipt.
func (s *Session) HandleMessagesRead(p MessagesReadPayload) {
	if p.ConversationID == "" || p.UserID == "" {
		s.log.Warn("dropping malformed read receipt", zap.String("event", EventTypeMessagesRead))
		s.metrics.droppedEvent(EventTypeMessagesRead)
		return
	}
	if s.sync.ApplyRead(p.ConversationID, p.UserID, p.ReadAt) {
		s.emitMessages()
	}
	if s.dir.ApplyRead(p.ConversationID, p.UserID, s.self.ID) {
		s.events.emit(EventConversationsChanged, s.dir.Conversations())
	}
}

// HandleUserTyping records a counterpart typing change.
func (s *Session) HandleUserTyping(p TypingPayload) {
	if p.ConversationID == "" || p.UserID == "" {
		s.log.Warn("dropping malformed typing event", zap.String("event", EventTypeUserTyping))
		s.metrics.droppedEvent(EventTypeUserTyping)
		return
	}
	if s.presence.SetTyping(p.ConversationID, p.UserID, p.Typing) && p.ConversationID == s.sync.Active() {
		s.emitTyping(p.ConversationID)
	}
}

// HandleOnlineUsers replaces the presence snapshot.
func (s *Session) HandleOnlineUsers(userIDs []string) {
	if s.presence.SetOnline(userIDs) {
		s.events.emit(EventPresence, s.presence.OnlineUsers())
	}
}

// HandleMessageNotification refreshes the conversation list in the
// background.
func (s *Session) HandleMessageNotification(json.RawMessage) {
	s.goBackground("refresh conversations", func(ctx context.Context) { s.LoadConversations(ctx) })
}

// HandleConnectionState forwards connection changes. Presence and typing are
// cleared when the channel drops.
func (s *Session) HandleConnectionState(state RealtimeState) {
	if state == StateDisconnected {
		active := s.sync.Active()
		wasTyping := active != "" && s.presence.IsTyping(active)
		s.presence.Clear()
		if wasTyping {
			s.emitTyping(active)
		}
		s.events.emit(EventPresence, []string{})
		s.log.Info("live channel down, REST only")
	}
	s.events.emit(EventConnection, state)
}

// HandleReconnected re-joins the open room and catches up on whatever was
// missed while the channel was down.
func (s *Session) HandleReconnected() {
	s.goBackground("resync", s.resync)
}

func (s *Session) resync(ctx context.Context) {
	if id := s.sync.Active(); id != "" {
		if err := s.rt.JoinConversation(ctx, id); err != nil {
			s.log.Warn("failed to re-join conversation room", conversationField(id), zap.Error(err))
		}
	}
	s.Refresh(ctx)
}

// ============================================================================
// Notifications
// ============================================================================

func (s *Session) typingExpired(t TypingState) {
	if t.ConversationID == s.sync.Active() {
		s.events.emit(EventTyping, t)
	}
}

func (s *Session) emitTyping(conversationID string) {
	user, typing := s.presence.TypingUser(conversationID)
	s.events.emit(EventTyping, TypingState{ConversationID: conversationID, UserID: user, Typing: typing})
}

func (s *Session) emitMessages() {
	s.events.emit(EventMessagesChanged, s.sync.Snapshot())
}

func (s *Session) warn(op, message string, err error) {
	s.log.Warn(message, zap.String("op", op), zap.Error(err))
	s.events.emit(EventWarning, Warning{Op: op, Message: message, Err: err})
}
