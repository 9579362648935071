package solace

import (
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the Solace REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "solace api: " + e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Participants
// ============================================================================

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleUser         Role = "user"
	RolePsychologist Role = "psychologist"
)

// Participant is the display summary of a conversation party.
type Participant struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Role      Role   `json:"role,omitempty"`
}

// DisplayName joins first and last name, falling back to the id.
func (p Participant) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.ID
	}
	return name
}

// hasDetails reports whether the summary carries more than an id.
func (p Participant) hasDetails() bool {
	return p.FirstName != "" || p.LastName != "" || p.Avatar != "" || p.Role != ""
}

// ============================================================================
// Conversations
// ============================================================================

// MessagePreview is the denormalized last-message snapshot shown in the
// conversation list. It may be stale.
type MessagePreview struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// Conversation is a thread between one user and one psychologist.
type Conversation struct {
	ID           string          `json:"id"`
	User         Participant     `json:"user"`
	Psychologist Participant     `json:"psychologist"`
	LastMessage  *MessagePreview `json:"lastMessage,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Counterpart returns the party that is not selfID.
func (c Conversation) Counterpart(selfID string) Participant {
	if c.User.ID == selfID {
		return c.Psychologist
	}
	return c.User
}

// Participant looks up a party of the conversation by id.
func (c Conversation) Participant(id string) (Participant, bool) {
	switch id {
	case "":
		return Participant{}, false
	case c.User.ID:
		return c.User, true
	case c.Psychologist.ID:
		return c.Psychologist, true
	}
	return Participant{}, false
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus tracks whether a message has been confirmed by the server.
type MessageStatus string

const (
	// StatusPending marks an optimistic placeholder; its ID equals its TempID.
	StatusPending MessageStatus = "pending"
	// StatusConfirmed marks a server-persisted message.
	StatusConfirmed MessageStatus = "confirmed"
	// StatusFailed marks a placeholder whose delivery failed.
	StatusFailed MessageStatus = "failed"
)

// Message is a single timestamped text entry within a conversation.
type Message struct {
	ID             string        `json:"id"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Sender         *Participant  `json:"sender,omitempty"`
	Receiver       *Participant  `json:"receiver,omitempty"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsRead         bool          `json:"isRead"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	Status         MessageStatus `json:"status"`
}

// Pending reports whether m is an unconfirmed optimistic placeholder.
func (m Message) Pending() bool {
	return m.Status == StatusPending
}

// Failed reports whether delivery of m failed and it awaits a manual retry.
func (m Message) Failed() bool {
	return m.Status == StatusFailed
}

// placeholder reports whether m still carries a local identity.
func (m Message) placeholder() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

func (m Message) preview() *MessagePreview {
	return &MessagePreview{
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		IsRead:    m.IsRead,
	}
}

// MessagePage is one page of history in ascending creation order. Fetched
// counts the rows the server returned, including rows dropped as malformed,
// so a short page can be told apart from a filtered one.
type MessagePage struct {
	Messages []Message
	Fetched  int
}

// OutgoingMessage is the live-channel send payload. Sender and receiver
// details travel with it so the receiving client can render the message
// without a lookup.
type OutgoingMessage struct {
	ConversationID  string      `json:"conversationId"`
	SenderID        string      `json:"senderId"`
	ReceiverID      string      `json:"receiverId"`
	Content         string      `json:"content"`
	TempID          string      `json:"tempId"`
	SenderDetails   Participant `json:"senderDetails"`
	ReceiverDetails Participant `json:"receiverDetails"`
}
