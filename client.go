// Package icechat is the chat client engine for the Iceberg ordering app.
//
// It keeps a device-local view of chat rooms consistent with the remote
// message store under unreliable connectivity: optimistic sending with
// bounded retry, cursor-based history pagination, a persistent room cache
// for instant cold-start rendering, and deduplicating reconciliation
// between the two.
//
// Example:
//
//	api := icechat.NewClient("https://api.iceberg.app", icechat.WithToken(jwt))
//	engine := icechat.NewEngine(api, icechat.WithCache(cache), icechat.WithSenderID("user-1"))
//	engine.Start()
//	defer engine.Stop()
//
//	engine.OpenRoom(ctx, "room-42")
//	engine.Send(ctx, "room-42", "on my way")
package icechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production message API endpoint.
	DefaultBaseURL = "https://api.iceberg-app.ru"

	// DefaultTimeout bounds every API request.
	DefaultTimeout = 15 * time.Second

	// DefaultPageLimit is the history page size requested by LoadOlder.
	DefaultPageLimit = 30
)

// RemoteAPI is the remote message store the engine talks to. *Client is
// the HTTP implementation; tests substitute their own.
type RemoteAPI interface {
	// SendMessage delivers one message and returns the permanent identity
	// the server assigned to it.
	SendMessage(ctx context.Context, roomID, content string) (*SendAck, error)

	// FetchMessages returns a page of room history strictly older than
	// opts.CursorID (or the newest page when the cursor is empty).
	FetchMessages(ctx context.Context, roomID string, opts PageOptions) (*MessagePage, error)

	// FetchRoom returns room metadata with participants embedded.
	FetchRoom(ctx context.Context, roomID string) (*RoomInfo, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of RemoteAPI.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a message API client. baseURL may be empty for the
// production default.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Request helper
// ============================================================================

type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	var env apiEnvelope
	if jsonErr := json.Unmarshal(data, &env); jsonErr == nil && env.Error != nil {
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if env.OK || env.Data != nil {
		return env.Data, nil
	}
	return data, nil
}

// classifyTransport folds Go transport errors into the engine's taxonomy.
func classifyTransport(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

func decodeJSON[T any](data json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// RemoteAPI implementation
// ============================================================================

// SendMessage implements RemoteAPI.
func (c *Client) SendMessage(ctx context.Context, roomID, content string) (*SendAck, error) {
	payload := map[string]string{"content": content}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chat/rooms/"+roomID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendAck](data)
}

// FetchMessages implements RemoteAPI.
func (c *Client) FetchMessages(ctx context.Context, roomID string, opts PageOptions) (*MessagePage, error) {
	query := map[string]string{}
	if opts.CursorID != "" {
		query["cursor"] = opts.CursorID
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+roomID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// FetchRoom implements RemoteAPI.
func (c *Client) FetchRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+roomID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[RoomInfo](data)
}
