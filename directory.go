package solace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation Directory
// ============================================================================

// Directory caches the current user's conversations with their last-message
// preview and unread count. Its summaries are derived data: the Synchronizer
// stays authoritative for message order and content.
type Directory struct {
	api API
	log *zap.Logger

	mu     sync.RWMutex
	convs  []Conversation
	loaded bool
}

func newDirectory(api API, log *zap.Logger) *Directory {
	return &Directory{api: api, log: log}
}

// Load fetches the full list and replaces the cache wholesale. On error the
// cache is left untouched.
func (d *Directory) Load(ctx context.Context) ([]Conversation, error) {
	convs, err := d.api.ListConversations(ctx)
	if err != nil {
		d.log.Warn("failed to load conversations", zap.Error(err))
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	d.replace(convs)
	return d.Conversations(), nil
}

func (d *Directory) replace(convs []Conversation) {
	next := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		next = append(next, cloneConversation(c))
	}
	SortConversations(next)

	d.mu.Lock()
	d.convs = next
	d.loaded = true
	d.mu.Unlock()
}

// Start creates or fetches the conversation with counterpartID and refreshes
// the directory. The returned conversation is always present in the cache
// afterwards, even if the refresh failed.
func (d *Directory) Start(ctx context.Context, counterpartID, initialMessage string) (*Conversation, error) {
	conv, err := d.api.StartConversation(ctx, counterpartID, initialMessage)
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	if _, err := d.Load(ctx); err != nil {
		d.log.Debug("refresh after start failed", conversationField(conv.ID), zap.Error(err))
	}
	d.upsert(*conv)
	return conv, nil
}

func (d *Directory) upsert(conv Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(conv.ID); i >= 0 {
		return
	}
	d.convs = append(d.convs, cloneConversation(conv))
	SortConversations(d.convs)
}

// ApplyIncoming merges a pushed message into its conversation summary. It
// reports false when the conversation is not known locally; callers then
// reload the whole list.
func (d *Directory) ApplyIncoming(msg Message, selfID, activeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(msg.ConversationID)
	if i < 0 {
		return false
	}
	conv := &d.convs[i]
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		conv.LastMessage = msg.preview()
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	if msg.ReceiverID == selfID && msg.ConversationID != activeID {
		conv.UnreadCount++
	}
	SortConversations(d.convs)
	return true
}

// MarkRead zeroes the unread badge. It reports whether anything changed.
func (d *Directory) MarkRead(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(conversationID)
	if i < 0 || d.convs[i].UnreadCount == 0 {
		return false
	}
	d.convs[i].UnreadCount = 0
	return true
}

// ApplyRead marks the preview read when readerID read a conversation whose
// last message selfID authored.
func (d *Directory) ApplyRead(conversationID, readerID, selfID string) bool {
	if readerID == selfID {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	lm := d.convs[i].LastMessage
	if lm == nil || lm.IsRead || lm.SenderID != selfID {
		return false
	}
	lm.IsRead = true
	return true
}

// Get returns a copy of one conversation.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexLocked(id)
	if i < 0 {
		return Conversation{}, false
	}
	return cloneConversation(d.convs[i]), true
}

// Participant resolves a participant summary. With Counterpart it satisfies
// participantLookup.
func (d *Directory) Participant(conversationID, participantID string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexLocked(conversationID); i >= 0 {
		if p, ok := d.convs[i].Participant(participantID); ok {
			return p, true
		}
	}
	for _, c := range d.convs {
		if p, ok := c.Participant(participantID); ok {
			return p, true
		}
	}
	return Participant{}, false
}

// Counterpart returns the party of conversationID that is not participantID.
// It fails when the conversation is unknown or participantID is not a party.
func (d *Directory) Counterpart(conversationID, participantID string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		return Participant{}, false
	}
	c := d.convs[i]
	if _, ok := c.Participant(participantID); !ok {
		return Participant{}, false
	}
	return c.Counterpart(participantID), true
}

// Conversations returns a snapshot ordered by most recent activity.
func (d *Directory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = cloneConversation(c)
	}
	return out
}

// TotalUnread sums unread counts across all conversations.
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, c := range d.convs {
		total += c.UnreadCount
	}
	return total
}

// Loaded reports whether at least one Load succeeded.
func (d *Directory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Directory) indexLocked(id string) int {
	for i := range d.convs {
		if d.convs[i].ID == id {
			return i
		}
	}
	return -1
}

// SortConversations orders conversations most recently updated first.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func cloneConversation(c Conversation) Conversation {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}
