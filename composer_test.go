package solace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestComposerValidation(t *testing.T) {
	f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)})
	ctx := context.Background()

	_, err := f.session.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrNoConversation)

	f.selectConversation(t, "c-1", nil)
	_, err = f.session.Send(ctx, "   \n\t")
	assert.ErrorIs(t, err, ErrEmptyContent)

	assert.Empty(t, f.rt.sent(CommandSendMessage))
	f.api.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.session.Messages())
}

func TestComposerDuplicatePending(t *testing.T) {
	f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)}, WithConfirmTimeout(time.Hour))
	f.selectConversation(t, "c-1", nil)
	ctx := context.Background()

	first, err := f.session.Send(ctx, "hello")
	require.NoError(t, err)
	_, err = f.session.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrDuplicatePending)

	msgs := f.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, first.TempID, msgs[0].TempID)
	assert.Len(t, f.rt.sent(CommandSendMessage), 1)
}

func TestComposerTempIDs(t *testing.T) {
	c := &Composer{}
	a, b := c.newTempID(), c.newTempID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^temp-1-[0-9a-f-]{36}$`, a)
	assert.Regexp(t, `^temp-2-`, b)
}

func TestComposerRESTFallback(t *testing.T) {
	t.Run("live emit failure falls back to REST", func(t *testing.T) {
		f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)})
		f.selectConversation(t, "c-1", nil)
		f.rt.sendErr = errors.New("write: broken pipe")
		confirmed := msgAt("m-1", "c-1", patient.ID, doctor.ID, "hello", t0)
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).Return(&confirmed, nil)

		got, err := f.session.Send(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "m-1", got.ID)
		assert.Equal(t, []string{"m-1"}, ids(f.session.Messages()))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.sends.WithLabelValues(sendPathRealtime, "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.sends.WithLabelValues(sendPathREST, "ok")))

		c, _ := f.session.Conversation("c-1")
		require.NotNil(t, c.LastMessage)
		assert.Equal(t, "hello", c.LastMessage.Content)
	})

	t.Run("REST failure removes the placeholder and notifies", func(t *testing.T) {
		f := newSessionFixture(t, false, []Conversation{conv("c-1", 0, t0)})
		f.selectConversation(t, "c-1", nil)
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).
			Return(nil, &APIError{Status: 500, Message: "internal"})

		_, err := f.session.Send(context.Background(), "hello")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Empty(t, f.session.Messages())

		require.Equal(t, 1, f.events.count(EventSendFailed))
		failure := f.events.last(EventSendFailed).(SendFailure)
		assert.Equal(t, "hello", failure.Content)
		assert.Equal(t, "c-1", failure.ConversationID)
	})

	t.Run("tempId is carried to REST", func(t *testing.T) {
		f := newSessionFixture(t, false, []Conversation{conv("c-1", 0, t0)})
		f.selectConversation(t, "c-1", nil)
		var sentTempID string
		confirmed := msgAt("m-1", "c-1", patient.ID, doctor.ID, "hello", t0)
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).
			Run(func(args mock.Arguments) { sentTempID = args.String(3) }).
			Return(&confirmed, nil)

		got, err := f.session.Send(context.Background(), "hello")
		require.NoError(t, err)
		assert.NotEmpty(t, got.TempID)
		assert.Equal(t, sentTempID, got.TempID)
		assert.Equal(t, StatusConfirmed, got.Status)
	})
}

func TestComposerConfirmTimer(t *testing.T) {
	t.Run("no echo re-sends over REST", func(t *testing.T) {
		f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)}, WithConfirmTimeout(20*time.Millisecond))
		f.selectConversation(t, "c-1", nil)
		confirmed := msgAt("m-1", "c-1", patient.ID, doctor.ID, "hello", time.Now().UTC())
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).Return(&confirmed, nil)

		_, err := f.session.Send(context.Background(), "hello")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			msgs := f.session.Messages()
			return len(msgs) == 1 && msgs[0].ID == "m-1"
		}, time.Second, 5*time.Millisecond)

		// A late echo of the same message changes nothing.
		f.session.HandleNewMessage(wireJSON(t, map[string]any{
			"id": "m-1", "conversationId": "c-1", "senderId": patient.ID, "receiverId": doctor.ID, "content": "hello",
		}))
		assert.Equal(t, []string{"m-1"}, ids(f.session.Messages()))
	})

	t.Run("late live delivery after the REST re-send is hidden", func(t *testing.T) {
		f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)}, WithConfirmTimeout(20*time.Millisecond))
		f.selectConversation(t, "c-1", nil)
		confirmed := msgAt("rest-1", "c-1", patient.ID, doctor.ID, "hello", time.Now().UTC())
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).Return(&confirmed, nil)

		placeholder, err := f.session.Send(context.Background(), "hello")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			msgs := f.session.Messages()
			return len(msgs) == 1 && msgs[0].ID == "rest-1"
		}, time.Second, 5*time.Millisecond)

		f.session.HandleNewMessage(wireJSON(t, map[string]any{
			"id": "ws-9", "tempId": placeholder.TempID, "conversationId": "c-1",
			"senderId": patient.ID, "receiverId": doctor.ID, "content": "hello",
		}))
		assert.Equal(t, []string{"rest-1"}, ids(f.session.Messages()))
	})

	t.Run("echo in time skips REST", func(t *testing.T) {
		f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)}, WithConfirmTimeout(30*time.Millisecond))
		f.selectConversation(t, "c-1", nil)

		placeholder, err := f.session.Send(context.Background(), "hello")
		require.NoError(t, err)
		f.session.HandleNewMessage(wireJSON(t, map[string]any{
			"id": "m-1", "tempId": placeholder.TempID, "conversationId": "c-1",
			"senderId": patient.ID, "receiverId": doctor.ID, "content": "hello",
		}))

		time.Sleep(80 * time.Millisecond)
		f.api.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("REST failure after live send flags the placeholder", func(t *testing.T) {
		f := newSessionFixture(t, true, []Conversation{conv("c-1", 0, t0)}, WithConfirmTimeout(10*time.Millisecond))
		f.selectConversation(t, "c-1", nil)
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).
			Return(nil, errors.New("offline")).Once()

		placeholder, err := f.session.Send(context.Background(), "hello")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			msgs := f.session.Messages()
			return len(msgs) == 1 && msgs[0].Failed()
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, 1, f.events.count(EventSendFailed))

		confirmed := msgAt("m-2", "c-1", patient.ID, doctor.ID, "hello", time.Now().UTC())
		f.rt.sendErr = errors.New("down")
		f.api.On("SendMessage", mock.Anything, "c-1", "hello", mock.AnythingOfType("string")).Return(&confirmed, nil)

		got, err := f.session.Retry(context.Background(), placeholder.TempID)
		require.NoError(t, err)
		assert.Equal(t, "m-2", got.ID)
		assert.Equal(t, []string{"m-2"}, ids(f.session.Messages()))

		// The original live send landing late stays hidden.
		f.session.HandleNewMessage(wireJSON(t, map[string]any{
			"id": "ws-9", "tempId": placeholder.TempID, "conversationId": "c-1",
			"senderId": patient.ID, "receiverId": doctor.ID, "content": "hello",
		}))
		assert.Equal(t, []string{"m-2"}, ids(f.session.Messages()))

		_, err = f.session.Retry(context.Background(), placeholder.TempID)
		assert.Error(t, err)
	})
}
