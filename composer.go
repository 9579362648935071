package solace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyContent is returned when a send carries only whitespace.
var ErrEmptyContent = errors.New("message content is empty")

// DefaultConfirmTimeout is how long a live-channel send may stay unconfirmed
// before it is re-sent over REST.
const DefaultConfirmTimeout = 10 * time.Second

// ============================================================================
// Composition / Send Pipeline
// ============================================================================

// Composer turns user input into an optimistic placeholder and delivers it,
// preferring the live channel and falling back to REST. Delivery is
// at-least-once; the Synchronizer settles each TempID once, so only one
// copy of a send is ever visible.
type Composer struct {
	self           Participant
	api            API
	rt             Channel
	sync           *Synchronizer
	dir            *Directory
	log            *zap.Logger
	metrics        *Metrics
	confirmTimeout time.Duration

	counter atomic.Uint64

	onChange  func()
	onConfirm func(Message)
	onFailure func(SendFailure)
	spawn     func(name string, fn func(ctx context.Context))
}

// newTempID returns an id unique within the process: a monotonic prefix for
// ordering plus a random suffix.
func (c *Composer) newTempID() string {
	return fmt.Sprintf("temp-%d-%s", c.counter.Add(1), uuid.NewString())
}

// Send validates content, appends the placeholder and dispatches it. The
// returned message is the confirmed one when REST answered synchronously,
// otherwise the pending placeholder.
func (c *Composer) Send(ctx context.Context, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	convID := c.sync.Active()
	if convID == "" {
		return nil, ErrNoConversation
	}

	self := c.self
	placeholder := Message{
		TempID:         c.newTempID(),
		ConversationID: convID,
		SenderID:       self.ID,
		Sender:         &self,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}
	placeholder.ID = placeholder.TempID
	var receiver Participant
	if conv, ok := c.dir.Get(convID); ok {
		receiver = conv.Counterpart(self.ID)
		placeholder.ReceiverID = receiver.ID
		placeholder.Receiver = &receiver
	}

	if err := c.sync.AppendPlaceholder(placeholder); err != nil {
		return nil, err
	}
	c.onChange()

	if c.rt.IsConnected() {
		err := c.rt.SendMessage(ctx, OutgoingMessage{
			ConversationID:  convID,
			SenderID:        self.ID,
			ReceiverID:      receiver.ID,
			Content:         content,
			TempID:          placeholder.TempID,
			SenderDetails:   self,
			ReceiverDetails: receiver,
		})
		c.metrics.send(sendPathRealtime, err)
		if err == nil {
			c.awaitEcho(placeholder)
			return &placeholder, nil
		}
		c.log.Info("live send failed, falling back to REST", conversationField(convID), zap.Error(err))
	}

	msg, err := c.sendREST(ctx, placeholder)
	if err != nil {
		if _, ok := c.sync.RemovePlaceholder(placeholder.TempID); ok {
			c.onChange()
		}
		c.onFailure(SendFailure{
			TempID:         placeholder.TempID,
			ConversationID: convID,
			Content:        content,
			Err:            err,
		})
		return nil, err
	}
	return msg, nil
}

func (c *Composer) sendREST(ctx context.Context, placeholder Message) (*Message, error) {
	msg, err := c.api.SendMessage(ctx, placeholder.ConversationID, placeholder.Content, placeholder.TempID)
	c.metrics.send(sendPathREST, err)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = placeholder.ReceiverID
		msg.Receiver = placeholder.Receiver
	}
	msg.TempID = placeholder.TempID
	msg.Status = StatusConfirmed
	if c.sync.Confirm(placeholder.TempID, *msg) {
		c.onChange()
	}
	c.onConfirm(*msg)
	return msg, nil
}

// awaitEcho re-sends over REST when the live channel accepted the message
// but no echo confirmed it in time. If that fails too, the placeholder is
// flagged failed rather than removed: the live send may still land.
func (c *Composer) awaitEcho(placeholder Message) {
	c.spawn("confirm "+placeholder.TempID, func(ctx context.Context) {
		timer := time.NewTimer(c.confirmTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !c.sync.IsPending(placeholder.TempID) {
			return
		}
		c.log.Info("no echo for live send, re-sending over REST", messageField(placeholder.TempID))
		if _, err := c.sendREST(ctx, placeholder); err != nil {
			if c.sync.MarkFailed(placeholder.TempID) {
				c.onChange()
			}
			c.onFailure(SendFailure{
				TempID:         placeholder.TempID,
				ConversationID: placeholder.ConversationID,
				Content:        placeholder.Content,
				Err:            err,
			})
		}
	})
}
