// Package monitor is the Go client for the lookout HTTP and live-stream API.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gorilla/websocket"

	api "shadmission/pkg/api/monitor"
	"shadmission/pkg/clients"
)

// APIError is a non-2xx answer from the service
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lookout returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("lookout returned status %d", e.StatusCode)
}

type Client struct {
	baseURL *url.URL
	client  *http.Client
	retry   retrypolicy.RetryPolicy[*http.Response]
	dialer  *websocket.Dialer
}

type Option func(*Client)

// NewClient builds a client for a service root such as http://localhost:3000
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse lookout url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("lookout url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL: u,
		client:  &http.Client{Timeout: 15 * time.Second, Transport: clients.DefaultTransport()},
		retry:   clients.NewHTTPRetryPolicy(clients.DefaultHTTPRetryConfig()),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithRetryConfig(cfg clients.HTTPRetryConfig) Option {
	return func(c *Client) {
		c.retry = clients.NewHTTPRetryPolicy(cfg)
	}
}

// BaseURL returns the service root
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Last fetches the snapshots of the trailing seconds window
func (c *Client) Last(ctx context.Context, seconds int) (api.LastResponse, error) {
	var out api.LastResponse
	q := url.Values{"seconds": {strconv.Itoa(seconds)}}
	err := c.getJSON(ctx, "/snapshots", q, &out)
	return out, err
}

// Range fetches the snapshots between two epoch-millisecond bounds
func (c *Client) Range(ctx context.Context, from, to int64) (api.RangeResponse, error) {
	var out api.RangeResponse
	q := url.Values{
		"from": {strconv.FormatInt(from, 10)},
		"to":   {strconv.FormatInt(to, 10)},
	}
	err := c.getJSON(ctx, "/snapshots", q, &out)
	return out, err
}

// Health calls the liveness endpoint
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/health", nil, &out)
	return out, err
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	target := c.endpoint(path, q)
	resp, err := clients.DoHTTP(ctx, c.retry, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.client.Do(req)
	})
	if err != nil && resp == nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &body) == nil {
			apiErr.Message = body.Error
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// ErrStreamClosed is returned by Stream.Next once the server closed the feed
var ErrStreamClosed = errors.New("live stream closed")

// Stream is one live snapshot feed
type Stream struct {
	conn *websocket.Conn
}

// Stream opens the live feed
func (c *Client) Stream(ctx context.Context) (*Stream, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial live stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next snapshot. Close from another goroutine to
// unblock it.
func (s *Stream) Next() (api.Snapshot, error) {
	var snap api.Snapshot
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return snap, ErrStreamClosed
		}
		return snap, err
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snap, fmt.Errorf("decode live snapshot: %w", err)
	}
	return snap, nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}
