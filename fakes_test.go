package solace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Fixtures
// ============================================================================

var (
	patient = Participant{ID: "u-1", FirstName: "Ana", LastName: "Silva", Role: RoleUser}
	doctor  = Participant{ID: "p-1", FirstName: "Rui", LastName: "Costa", Role: RolePsychologist}
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func conv(id string, unread int, updated time.Time) Conversation {
	return Conversation{ID: id, User: patient, Psychologist: doctor, UnreadCount: unread, UpdatedAt: updated}
}

func msgAt(id, convID, sender, receiver, content string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        content,
		CreatedAt:      at,
		Status:         StatusConfirmed,
	}
}

// page builds n ascending messages from the doctor, ids prefix-0..prefix-(n-1).
func page(convID, prefix string, n int, start time.Time) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = msgAt(fmt.Sprintf("%s-%d", prefix, i), convID, doctor.ID, patient.ID,
			fmt.Sprintf("message %d", i), start.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// ============================================================================
// mockAPI (testify)
// ============================================================================

type mockAPI struct {
	mock.Mock
	conversationLoads atomic.Int32
}

func (m *mockAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	m.conversationLoads.Add(1)
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAPI) StartConversation(ctx context.Context, counterpartID, initialMessage string) (*Conversation, error) {
	args := m.Called(ctx, counterpartID, initialMessage)
	if v := args.Get(0); v != nil {
		return v.(*Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// ListMessages accepts either a MessagePage or a plain []Message, which is
// treated as a page with no dropped rows.
func (m *mockAPI) ListMessages(ctx context.Context, conversationID, before string, limit int) (MessagePage, error) {
	args := m.Called(ctx, conversationID, before, limit)
	switch v := args.Get(0).(type) {
	case MessagePage:
		return v, args.Error(1)
	case []Message:
		return MessagePage{Messages: v, Fetched: len(v)}, args.Error(1)
	}
	return MessagePage{}, args.Error(1)
}

func (m *mockAPI) SendMessage(ctx context.Context, conversationID, content, tempID string) (*Message, error) {
	args := m.Called(ctx, conversationID, content, tempID)
	if v := args.Get(0); v != nil {
		return v.(*Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAPI) MarkRead(ctx context.Context, conversationID string) error {
	return m.Called(ctx, conversationID).Error(0)
}

// ============================================================================
// gatedAPI: ListMessages blocks until released, for interleaving tests
// ============================================================================

type listCall struct {
	conversationID string
	before         string
	reply          chan listReply
}

type listReply struct {
	msgs []Message
	err  error
}

type gatedAPI struct {
	mockAPI
	calls chan listCall
}

func newGatedAPI() *gatedAPI {
	return &gatedAPI{calls: make(chan listCall, 16)}
}

func (g *gatedAPI) ListMessages(ctx context.Context, conversationID, before string, limit int) (MessagePage, error) {
	call := listCall{conversationID: conversationID, before: before, reply: make(chan listReply, 1)}
	g.calls <- call
	select {
	case r := <-call.reply:
		return MessagePage{Messages: r.msgs, Fetched: len(r.msgs)}, r.err
	case <-ctx.Done():
		return MessagePage{}, ctx.Err()
	}
}

func (g *gatedAPI) next(t *testing.T) listCall {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ListMessages")
		return listCall{}
	}
}

// ============================================================================
// fakeChannel
// ============================================================================

type emitted struct {
	kind           string
	conversationID string
	payload        any
}

type fakeChannel struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	emits      []emitted
	listener   RealtimeListener
}

func (f *fakeChannel) Connect(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Subscribe(l RealtimeListener) { f.listener = l }

func (f *fakeChannel) record(kind, conversationID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.emits = append(f.emits, emitted{kind: kind, conversationID: conversationID, payload: payload})
	return nil
}

func (f *fakeChannel) JoinConversation(_ context.Context, id string) error {
	return f.record(CommandJoinConversation, id, nil)
}

func (f *fakeChannel) LeaveConversation(_ context.Context, id string) error {
	return f.record(CommandLeaveConversation, id, nil)
}

func (f *fakeChannel) SendMessage(_ context.Context, msg OutgoingMessage) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.record(CommandSendMessage, msg.ConversationID, msg)
}

func (f *fakeChannel) MarkRead(_ context.Context, id, userID string) error {
	return f.record(CommandMarkRead, id, userID)
}

func (f *fakeChannel) Typing(_ context.Context, id, userID string, typing bool) error {
	return f.record(CommandTyping, id, typing)
}

func (f *fakeChannel) sent(kind string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ============================================================================
// Event recorder
// ============================================================================

type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func record(s *Session, events ...string) *recorder {
	r := &recorder{events: make(map[string][]any)}
	for _, ev := range events {
		s.On(ev, func(event string, payload any) {
			r.mu.Lock()
			r.events[event] = append(r.events[event], payload)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

func (r *recorder) last(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.events[event]
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func newTestSynchronizer(t *testing.T, api API, pageSize int) *Synchronizer {
	t.Helper()
	s, err := newSynchronizer(api, nil, patient.ID, pageSize, 0, zap.NewNop(), nil)
	require.NoError(t, err)
	return s
}
