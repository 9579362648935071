package solace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when an inbound payload lacks a field the
// messaging core cannot do without.
var ErrMalformedPayload = errors.New("malformed payload")

// ============================================================================
// Wire shapes
// ============================================================================

// Inbound payloads are untrusted and inconsistent: ids arrive as "id" or
// "_id", parties arrive as bare ids or as nested objects, and timestamps
// arrive as RFC 3339 strings or epoch milliseconds.

type wireParty struct {
	Participant
}

func (p *wireParty) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		p.ID = strings.TrimSpace(id)
		return nil
	}
	var obj struct {
		ID        string `json:"id"`
		MongoID   string `json:"_id"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Avatar    string `json:"avatar"`
		Role      string `json:"role"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Participant = Participant{
		ID:        strings.TrimSpace(firstNonEmpty(obj.ID, obj.MongoID)),
		FirstName: obj.FirstName,
		LastName:  obj.LastName,
		Avatar:    obj.Avatar,
		Role:      Role(obj.Role),
	}
	return nil
}

type wireTime struct {
	time.Time
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse epoch millis %s: %w", data, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

type wireMessage struct {
	ID             string    `json:"id"`
	MongoID        string    `json:"_id"`
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Sender         wireParty `json:"sender"`
	Receiver       wireParty `json:"receiver"`
	Content        string    `json:"content"`
	CreatedAt      wireTime  `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
	ReadAt         wireTime  `json:"readAt"`
}

type wirePreview struct {
	Content   string    `json:"content"`
	Sender    wireParty `json:"sender"`
	SenderID  string    `json:"senderId"`
	CreatedAt wireTime  `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

type wireConversation struct {
	ID           string       `json:"id"`
	MongoID      string       `json:"_id"`
	User         wireParty    `json:"user"`
	Psychologist wireParty    `json:"psychologist"`
	LastMessage  *wirePreview `json:"lastMessage"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    wireTime     `json:"updatedAt"`
}

// participantLookup resolves participant summaries from known conversations.
// *Directory satisfies it.
type participantLookup interface {
	Participant(conversationID, participantID string) (Participant, bool)
	// Counterpart returns the party of conversationID that is not
	// participantID.
	Counterpart(conversationID, participantID string) (Participant, bool)
}

// ============================================================================
// Normalization
// ============================================================================

func normalizeMessage(w wireMessage, lookup participantLookup, now time.Time) (Message, error) {
	id := strings.TrimSpace(firstNonEmpty(w.ID, w.MongoID))
	convID := strings.TrimSpace(w.ConversationID)
	if convID == "" {
		return Message{}, fmt.Errorf("%w: missing conversation id", ErrMalformedPayload)
	}
	if id == "" {
		return Message{}, fmt.Errorf("%w: missing message id", ErrMalformedPayload)
	}
	if strings.TrimSpace(w.Content) == "" {
		return Message{}, fmt.Errorf("%w: missing content", ErrMalformedPayload)
	}
	senderID := strings.TrimSpace(firstNonEmpty(w.SenderID, w.Sender.ID))
	if senderID == "" {
		return Message{}, fmt.Errorf("%w: missing sender", ErrMalformedPayload)
	}
	receiverID := strings.TrimSpace(firstNonEmpty(w.ReceiverID, w.Receiver.ID))

	msg := Message{
		ID:             id,
		TempID:         strings.TrimSpace(w.TempID),
		ConversationID: convID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Sender:         resolveParty(convID, senderID, w.Sender.Participant, lookup),
		Content:        w.Content,
		CreatedAt:      w.CreatedAt.Time,
		IsRead:         w.IsRead,
		Status:         StatusConfirmed,
	}
	if receiverID != "" {
		msg.Receiver = resolveParty(convID, receiverID, w.Receiver.Participant, lookup)
	} else if lookup != nil {
		if p, ok := lookup.Counterpart(convID, senderID); ok {
			msg.ReceiverID = p.ID
			msg.Receiver = &p
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if !w.ReadAt.IsZero() {
		readAt := w.ReadAt.Time
		msg.ReadAt = &readAt
		msg.IsRead = true
	}
	return msg, nil
}

func resolveParty(convID, id string, given Participant, lookup participantLookup) *Participant {
	if given.ID == id && given.hasDetails() {
		p := given
		return &p
	}
	if lookup != nil {
		if p, ok := lookup.Participant(convID, id); ok {
			return &p
		}
	}
	return &Participant{ID: id}
}

// fillParties completes the sender and receiver summaries of m from lookup.
// Summaries that already carry details are kept.
func fillParties(m Message, lookup participantLookup) Message {
	if lookup == nil {
		return m
	}
	if m.Sender == nil || !m.Sender.hasDetails() {
		given := Participant{ID: m.SenderID}
		if m.Sender != nil {
			given = *m.Sender
		}
		m.Sender = resolveParty(m.ConversationID, m.SenderID, given, lookup)
	}
	if m.ReceiverID == "" {
		if p, ok := lookup.Counterpart(m.ConversationID, m.SenderID); ok {
			m.ReceiverID = p.ID
			m.Receiver = &p
		}
		return m
	}
	if m.Receiver == nil || !m.Receiver.hasDetails() {
		given := Participant{ID: m.ReceiverID}
		if m.Receiver != nil {
			given = *m.Receiver
		}
		m.Receiver = resolveParty(m.ConversationID, m.ReceiverID, given, lookup)
	}
	return m
}

func normalizeConversation(w wireConversation) (Conversation, error) {
	id := strings.TrimSpace(firstNonEmpty(w.ID, w.MongoID))
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation id", ErrMalformedPayload)
	}
	conv := Conversation{
		ID:           id,
		User:         w.User.Participant,
		Psychologist: w.Psychologist.Participant,
		UnreadCount:  w.UnreadCount,
		UpdatedAt:    w.UpdatedAt.Time,
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	if conv.User.Role == "" {
		conv.User.Role = RoleUser
	}
	if conv.Psychologist.Role == "" {
		conv.Psychologist.Role = RolePsychologist
	}
	if lm := w.LastMessage; lm != nil && lm.Content != "" {
		conv.LastMessage = &MessagePreview{
			Content:   lm.Content,
			SenderID:  firstNonEmpty(lm.SenderID, lm.Sender.ID),
			CreatedAt: lm.CreatedAt.Time,
			IsRead:    lm.IsRead,
		}
		if conv.UpdatedAt.IsZero() {
			conv.UpdatedAt = conv.LastMessage.CreatedAt
		}
	}
	return conv, nil
}

func decodeMessage(data []byte, lookup participantLookup, now time.Time) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return normalizeMessage(w, lookup, now)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
