// Package chatsync keeps a per-room local message cache consistent with a
// remote chat service under three independently arriving inputs: REST
// snapshot fetches, real-time socket events, and push-notification payloads.
//
// The pieces compose leaf to root:
//
//	storage := chatsync.NewMemoryStorage()
//	store := chatsync.NewMessageStore(storage)
//	client := chatsync.NewClient("https://api.example.org", token)
//	channel := chatsync.NewSocketChannel("https://api.example.org", &chatsync.ChannelConfig{Token: token})
//	bridge := chatsync.NewNotificationBridge(store)
//
//	session := chatsync.NewRoomSession(client, store, channel, bridge, identity, "42")
//	if err := session.Open(ctx); err != nil { ... }
//	defer session.Close(ctx)
//
// Messages are never duplicated, lost, or misordered across the three
// paths: cache writes are idempotent and id-keyed, snapshots reconcile
// against the cache without discarding socket-delivered messages the fetch
// does not yet reflect, and foreground transitions re-run the full load.
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds each REST request.
const DefaultTimeout = 30 * time.Second

// Sentinel errors.
var (
	// ErrNotConnected is returned when a socket emission is attempted
	// without an established connection.
	ErrNotConnected = errors.New("chatsync: socket not connected")
	// ErrSessionClosed is returned by session operations after Close.
	ErrSessionClosed = errors.New("chatsync: session closed")
)

// ============================================================================
// Client
// ============================================================================

// Client consumes the chat REST endpoints. The server is the source of
// truth; the client only ever reads room state from it.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client for the chat service at baseURL,
// authenticating with the given bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// FetchRoom fetches a room's metadata, membership, and authoritative message
// snapshot.
func (c *Client) FetchRoom(ctx context.Context, roomID RoomID) (*RoomMetadata, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+string(roomID))
	if err != nil {
		return nil, err
	}
	return decodeJSON[RoomMetadata](data)
}

// FetchScheduledMessages fetches the room's scheduled-message side channel.
func (c *Client) FetchScheduledMessages(ctx context.Context, roomID RoomID) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+string(roomID)+"/scheduled-messages")
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scheduled messages: %w", err)
	}
	return messages, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
