// Package transmission reads torrent and peer state from a Transmission
// daemon through hekmon/transmissionrpc and maps it onto the flat types the
// monitor uses.
package transmission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hekmon/transmissionrpc/v3"

	"shadmission/pkg/clients"
	"shadmission/pkg/logging"
	"shadmission/pkg/version"
)

var (
	// ErrUnauthorized means the daemon rejected the configured credentials
	ErrUnauthorized = errors.New("transmission: unauthorized")
	// ErrNotConfigured means no RPC URL was given
	ErrNotConfigured = errors.New("transmission: RPC URL not configured")
)

// Config holds connection settings
type Config struct {
	URL      string // e.g. http://localhost:9091 or a full .../transmission/rpc URL
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to one Transmission daemon. Safe for concurrent use.
type Client struct {
	endpoint string
	rpc      *transmissionrpc.Client
	logger   logging.Logger
}

// NewClient creates a client. A zero Timeout leaves deadlines to the
// caller's context. An empty URL yields a client whose calls fail with
// ErrNotConfigured.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	c := &Client{endpoint: rpcEndpoint(cfg.URL), logger: logger}
	if c.endpoint == "" {
		return c, nil
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid transmission URL: %w", err)
	}
	if cfg.Username != "" || cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	c.rpc, err = transmissionrpc.New(u, &transmissionrpc.Config{
		CustomClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: clients.DefaultTransport(),
		},
		UserAgent: "shadmission-lookout/" + version.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("create transmission client: %w", err)
	}
	return c, nil
}

func rpcEndpoint(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return ""
	}
	if strings.HasSuffix(base, "/rpc") {
		return base
	}
	return base + "/transmission/rpc"
}

// Endpoint returns the resolved RPC URL, without credentials
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Torrents returns every torrent with the fields in TorrentFields
func (c *Client) Torrents(ctx context.Context) ([]Torrent, error) {
	if c.rpc == nil {
		return nil, ErrNotConfigured
	}
	raw, err := c.rpc.TorrentGet(ctx, TorrentFields, nil)
	if err != nil {
		return nil, c.wrap(ctx, "torrent-get", err)
	}

	torrents := make([]Torrent, 0, len(raw))
	for _, t := range raw {
		torrents = append(torrents, fromRPC(t))
	}
	return torrents, nil
}

// SessionStats returns daemon-wide counters
func (c *Client) SessionStats(ctx context.Context) (*SessionStats, error) {
	if c.rpc == nil {
		return nil, ErrNotConfigured
	}
	raw, err := c.rpc.SessionStats(ctx)
	if err != nil {
		return nil, c.wrap(ctx, "session-stats", err)
	}
	return &SessionStats{
		ActiveTorrentCount: raw.ActiveTorrentCount,
		PausedTorrentCount: raw.PausedTorrentCount,
		TorrentCount:       raw.TorrentCount,
		DownloadSpeed:      raw.DownloadSpeed,
		UploadSpeed:        raw.UploadSpeed,
	}, nil
}

// Ping checks the daemon answers RPC calls
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SessionStats(ctx)
	return err
}

// wrap names the failed method and surfaces auth and deadline failures as
// errors callers can match on
func (c *Client) wrap(ctx context.Context, method string, err error) error {
	var status transmissionrpc.HTTPStatusCode
	if errors.As(err, &status) && int(status) == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", method, ErrUnauthorized)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", method, ctxErr)
	}
	c.logger.WithError(err).WithField("method", method).Debug("Transmission RPC failed")
	return fmt.Errorf("%s: %w", method, err)
}
