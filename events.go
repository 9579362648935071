package solace

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// UI Events
// ============================================================================

// Events emitted by a Session for UI consumers.
const (
	// EventConversationsChanged carries []Conversation.
	EventConversationsChanged = "conversations.changed"
	// EventMessagesChanged carries []Message for the active conversation.
	EventMessagesChanged = "messages.changed"
	// EventSendFailed carries SendFailure.
	EventSendFailed = "message.failed"
	// EventWarning carries Warning.
	EventWarning = "warning"
	// EventTyping carries TypingState.
	EventTyping = "typing.changed"
	// EventPresence carries []string of online user ids.
	EventPresence = "presence.changed"
	// EventConnection carries RealtimeState.
	EventConnection = "connection.changed"
)

// EventHandler handles a session event.
type EventHandler func(event string, payload any)

// Warning is a non-blocking, user-visible failure with a retry affordance.
type Warning struct {
	Op      string
	Message string
	Err     error
}

// SendFailure reports a message that could not be delivered.
type SendFailure struct {
	TempID         string
	ConversationID string
	Content        string
	Err            error
}

// TypingState reports a counterpart typing change.
type TypingState struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type emitter struct {
	log *zap.Logger

	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter(log *zap.Logger) *emitter {
	return &emitter{log: log, listeners: make(map[string][]EventHandler)}
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// emit must be called without holding any component lock.
func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
