package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultMaxMessageBytes bounds a single inbound upstream event. Audio
	// deltas routinely exceed the transport's 32 KiB default.
	DefaultMaxMessageBytes = 16 << 20

	betaHeader = "OpenAI-Beta"
	betaValue  = "realtime=v1"
)

var (
	// ErrClientConstruction is returned when the upstream client cannot be
	// built from its configuration. It is fatal for the session.
	ErrClientConstruction = errors.New("create upstream client")

	// ErrHandshake is returned when the upstream WebSocket handshake fails.
	// It is fatal for the session; there is no retry.
	ErrHandshake = errors.New("upstream handshake")
)

// Config holds upstream client parameters.
type Config struct {
	// URL is the realtime endpoint. Empty means DefaultURL.
	URL string

	// Credential is sent as a bearer token.
	Credential string

	// Header holds extra handshake headers. Optional.
	Header http.Header

	// HandshakeTimeout bounds Connect. Zero means no timeout beyond the
	// caller's context.
	HandshakeTimeout time.Duration

	// KeepAlive is the ping interval on the upstream socket. Zero disables
	// pings.
	KeepAlive time.Duration

	// MaxMessageBytes limits inbound event size. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int64

	// HTTPClient is used for the handshake. Optional.
	HTTPClient *http.Client

	// Debug logs every event sent and received.
	Debug bool

	Logger *slog.Logger
}

// Client builds upstream sessions for one credential and endpoint.
type Client struct {
	cfg      Config
	endpoint *url.URL
}

// NewClient validates cfg and returns a client bound to its endpoint and
// credential. Errors wrap ErrClientConstruction.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Credential == "" {
		return nil, fmt.Errorf("%w: %w", ErrClientConstruction, ErrMissingCredentials)
	}
	u, err := ParseEndpoint(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientConstruction, err)
	}
	return &Client{cfg: cfg, endpoint: u}, nil
}

// Endpoint returns the normalized endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Connect performs the upstream handshake for model and returns the
// connected session. Errors wrap ErrHandshake and never contain the
// credential.
func (c *Client) Connect(ctx context.Context, model string) (*Session, error) {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(ctx, SessionURL(c.endpoint, model), &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: c.header(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, sanitizeErr(err, c.cfg.Credential))
	}
	ws.SetReadLimit(c.cfg.MaxMessageBytes)

	c.cfg.Logger.Debug("upstream connected", "endpoint", c.endpoint.Host, "model", model)
	return newSession(ws, c.cfg), nil
}

func (c *Client) header() http.Header {
	h := c.cfg.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Authorization", "Bearer "+c.cfg.Credential)
	if h.Get(betaHeader) == "" {
		h.Set(betaHeader, betaValue)
	}
	return h
}
