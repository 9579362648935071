// Package solace is the client-side messaging core of the Solace platform.
//
// It reconciles three sources into one ordered message list per
// conversation: the paginated REST API, the real-time push channel and the
// local user's optimistic sends.
//
// Example:
//
//	client := solace.NewClient(token, solace.WithBaseURL("https://api.solace.health"))
//	rt := client.Realtime(&solace.RealtimeConfig{Token: token, AutoReconnect: true})
//
//	session, err := solace.NewSession(me, client, rt, solace.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	session.Start(ctx)
//	defer session.Close()
//
//	session.SelectConversation(ctx, conversationID)
//	session.Send(ctx, "Hi, I'd like to book a session")
package solace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL  = "https://api.solace.health"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the Solace REST API. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// WithClientLogger sets the logger used for dropped payload rows.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client authenticated with a session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = loggerOrNop(c.log).Named("client")
	return c
}

// SetToken replaces the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = firstNonEmpty(body.Message, body.Error)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// unwrapData accepts both bare payloads and {"data": ...} envelopes.
func unwrapData(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(trimmed, &env) == nil && len(env.Data) > 0 {
		return env.Data
	}
	return trimmed
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(unwrapData(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns every conversation of the authenticated user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON[[]wireConversation](data)
	if err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(*raw))
	for _, w := range *raw {
		conv, err := normalizeConversation(w)
		if err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// StartConversation creates the conversation with counterpartID, or fetches
// it when it already exists. initialMessage is optional.
func (c *Client) StartConversation(ctx context.Context, counterpartID, initialMessage string) (*Conversation, error) {
	payload := map[string]string{"counterpartId": counterpartID}
	if strings.TrimSpace(initialMessage) != "" {
		payload["initialMessage"] = initialMessage
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations", payload, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON[wireConversation](data)
	if err != nil {
		return nil, err
	}
	conv, err := normalizeConversation(*raw)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkRead marks the conversation read for the authenticated user.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages returns up to limit messages of a conversation in ascending
// creation order. A non-empty before restricts the page to messages older
// than that message id. Malformed rows are dropped but still counted in
// Fetched.
func (c *Client) ListMessages(ctx context.Context, conversationID, before string, limit int) (MessagePage, error) {
	query := url.Values{}
	if before != "" {
		query.Set("before", before)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return MessagePage{}, err
	}
	raw, err := decodeJSON[[]wireMessage](data)
	if err != nil {
		return MessagePage{}, err
	}
	now := time.Now().UTC()
	page := MessagePage{Messages: make([]Message, 0, len(*raw)), Fetched: len(*raw)}
	for _, w := range *raw {
		if w.ConversationID == "" {
			w.ConversationID = conversationID
		}
		msg, err := normalizeMessage(w, nil, now)
		if err != nil {
			c.log.Warn("dropping malformed message row", conversationField(conversationID), zap.Error(err))
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	sort.SliceStable(page.Messages, func(i, j int) bool {
		return page.Messages[i].CreatedAt.Before(page.Messages[j].CreatedAt)
	})
	return page, nil
}

// SendMessage persists a message. tempID is echoed back by the server so the
// caller can reconcile its optimistic placeholder.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, tempID string) (*Message, error) {
	payload := map[string]string{"content": content}
	if tempID != "" {
		payload["tempId"] = tempID
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON[wireMessage](data)
	if err != nil {
		return nil, err
	}
	if raw.ConversationID == "" {
		raw.ConversationID = conversationID
	}
	if raw.TempID == "" {
		raw.TempID = tempID
	}
	msg, err := normalizeMessage(*raw, nil, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// ============================================================================
// Real-time factory
// ============================================================================

// WSURL returns the WebSocket endpoint for the live channel.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Realtime creates a live-channel client bound to this API host. Call
// Connect to establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewRealtimeClient(c.WSURL(), &cfg)
}
