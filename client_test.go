package solace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok-123", WithBaseURL(srv.URL+"/"), WithUserAgent("solace-test"))
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("list conversations unwraps envelope and normalizes", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/conversations", r.URL.Path)
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			assert.Equal(t, "solace-test", r.Header.Get("User-Agent"))
			w.Write([]byte(`{"data":[
				{"_id":"c-1","user":{"_id":"u-1","firstName":"Ana"},"psychologist":"p-1","unreadCount":2,
				 "lastMessage":{"content":"hi","sender":"p-1","createdAt":"2026-03-01T09:00:00Z"}},
				{"user":"u-1"}
			]}`))
		})

		convs, err := c.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "c-1", convs[0].ID)
		assert.Equal(t, "Ana", convs[0].User.FirstName)
		assert.Equal(t, "p-1", convs[0].Psychologist.ID)
		assert.Equal(t, 2, convs[0].UnreadCount)
		assert.Equal(t, "p-1", convs[0].LastMessage.SenderID)
	})

	t.Run("list messages passes cursor and sorts ascending", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/conversations/c-1/messages", r.URL.Path)
			assert.Equal(t, "m-9", r.URL.Query().Get("before"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			w.Write([]byte(`[
				{"_id":"m-2","senderId":"u-1","content":"b","createdAt":"2026-03-01T09:02:00Z"},
				{"_id":"m-1","senderId":"p-1","content":"a","createdAt":"2026-03-01T09:01:00Z"},
				{"_id":"m-3","senderId":"p-1","content":""}
			]`))
		})

		page, err := c.ListMessages(ctx, "c-1", "m-9", DefaultPageSize)
		require.NoError(t, err)
		assert.Equal(t, []string{"m-1", "m-2"}, ids(page.Messages))
		assert.Equal(t, "c-1", page.Messages[0].ConversationID)
		assert.Equal(t, 3, page.Fetched, "dropped rows still count toward the page")
	})

	t.Run("send message carries tempId", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hello", body["content"])
			assert.Equal(t, "temp-1-x", body["tempId"])
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"_id":"m-42","sender":"u-1","receiver":"p-1","content":"hello"}`))
		})

		m, err := c.SendMessage(ctx, "c-1", "hello", "temp-1-x")
		require.NoError(t, err)
		assert.Equal(t, "m-42", m.ID)
		assert.Equal(t, "temp-1-x", m.TempID)
		assert.Equal(t, "c-1", m.ConversationID)
	})

	t.Run("start conversation omits blank initial message", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "p-1", body["counterpartId"])
			_, has := body["initialMessage"]
			assert.False(t, has)
			w.Write([]byte(`{"id":"c-7","user":"u-1","psychologist":"p-1"}`))
		})

		got, err := c.StartConversation(ctx, "p-1", "  ")
		require.NoError(t, err)
		assert.Equal(t, "c-7", got.ID)
	})

	t.Run("mark read and health", func(t *testing.T) {
		var paths []string
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.Method+" "+r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		})

		require.NoError(t, c.MarkRead(ctx, "c-1"))
		require.NoError(t, c.Health(ctx))
		assert.Equal(t, []string{"POST /conversations/c-1/read", "GET /health"}, paths)
	})
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("api error body", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"code":"FORBIDDEN","message":"not a participant"}`))
		})
		_, err := c.ListConversations(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "FORBIDDEN: not a participant", apiErr.Error())
	})

	t.Run("plain error body", func(t *testing.T) {
		c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		err := c.Health(ctx)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Bad Gateway", apiErr.Message)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		c := NewClient("tok", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
		assert.Error(t, c.Health(ctx))
	})
}

func TestClientWSURL(t *testing.T) {
	assert.Equal(t, "wss://api.solace.health/ws", NewClient("t").WSURL())
	assert.Equal(t, "ws://localhost:8080/ws", NewClient("t", WithBaseURL("http://localhost:8080")).WSURL())
}
