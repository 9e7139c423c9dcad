// Package chatsync is the real-time chat synchronization engine used by the
// workforce app's chat surface.
//
// It reconciles a topic-based push channel with a periodic REST pull: the
// room directory is polled on an interval, the open room is backfilled and
// then kept live over a single topic subscription, and sends go over the push
// channel when it is up and over REST when it is not.
//
// Example:
//
//	eng, err := chatsync.New(chatsync.Config{
//		BaseURL:    "https://api.example.com",
//		GatewayURL: "wss://api.example.com/ws",
//	}, chatsync.Session{CompanyID: "c1", UserID: "u1", UserName: "Ann", Token: tok})
//	if err != nil {
//		return err
//	}
//	eng.Start(ctx)
//	defer eng.Stop()
//
//	eng.OpenRoom(ctx, 42)
//	eng.Send(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the request timeout on a private copy of the HTTP
// client, so a client shared through WithHTTPClient is left alone.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		cp := *c.httpClient
		cp.Timeout = timeout
		c.httpClient = &cp
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
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
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	apiErr.Status = status
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodePage accepts a bare JSON array or a page object with a "content" array.
func decodePage(data []byte) ([]ChatMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		msgs, err := decodeJSON[[]ChatMessage](trimmed)
		if err != nil {
			return nil, err
		}
		return *msgs, nil
	}
	page, err := decodeJSON[struct {
		Content []ChatMessage `json:"content"`
	}](trimmed)
	if err != nil {
		return nil, err
	}
	return page.Content, nil
}

// ============================================================================
// Chat API Methods
// ============================================================================

// ListRooms fetches the rooms visible to a user.
func (c *Client) ListRooms(ctx context.Context, companyID, userID string) ([]ChatRoom, error) {
	q := url.Values{}
	q.Set("companyId", companyID)
	q.Set("userId", userID)
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/rooms", nil, q)
	if err != nil {
		return nil, err
	}
	rooms, err := decodeJSON[[]ChatRoom](data)
	if err != nil {
		return nil, err
	}
	return *rooms, nil
}

// FetchMessages fetches one page of a room's history, newest first.
func (c *Client) FetchMessages(ctx context.Context, roomID int64, page, size int) ([]ChatMessage, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("size", fmt.Sprintf("%d", size))
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/rooms/"+formatInt(roomID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	return decodePage(data)
}

// MarkRead records that the user has read up to receipt.LastMessageID.
func (c *Client) MarkRead(ctx context.Context, roomID int64, receipt ReadReceipt) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chat/rooms/"+formatInt(roomID)+"/read", receipt, nil)
	return err
}

// PostMessage creates a message over REST and returns the stored message.
func (c *Client) PostMessage(ctx context.Context, msg OutgoingMessage) (*ChatMessage, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/chat/rooms/"+formatInt(msg.RoomID)+"/messages", msg, nil)
	if err != nil {
		return nil, err
	}
	created, err := decodeJSON[ChatMessage](data)
	if err != nil {
		return nil, err
	}
	if created.RoomID == 0 {
		created.RoomID = msg.RoomID
	}
	return created, nil
}
