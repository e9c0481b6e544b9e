package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/realtime-relay/internal/metrics"
	"github.com/philsphicas/realtime-relay/internal/upstream"
)

// AcceptFunc upgrades an HTTP request to the client-facing socket. Any
// response headers already set on w must be sent with the upgrade.
type AcceptFunc func(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (ClientConn, error)

// ConnectorFunc builds the upstream connector for one request's credential.
type ConnectorFunc func(credential string) (Connector, error)

// HandlerConfig holds relay endpoint parameters.
type HandlerConfig struct {
	// Credentials resolves the upstream API key for each request.
	Credentials upstream.CredentialProvider

	// UpstreamURL is the realtime endpoint. Empty means upstream.DefaultURL.
	UpstreamURL string

	// Model is the upstream model. Empty means upstream.DefaultModel.
	Model string

	// AllowModelOverride lets clients pick the model with ?model=.
	AllowModelOverride bool

	// HandshakeTimeout bounds the upstream handshake. Zero means no limit.
	HandshakeTimeout time.Duration

	// KeepAlive is the upstream ping interval. Zero disables pings.
	KeepAlive time.Duration

	// MaxSessions limits concurrent sessions. Zero means unlimited.
	MaxSessions int

	// OriginPatterns lists browser origins allowed to connect. Empty
	// disables origin verification.
	OriginPatterns []string

	// MaxMessageBytes limits a single message on either socket. Zero means
	// upstream.DefaultMaxMessageBytes.
	MaxMessageBytes int64

	// Debug logs the type of every relayed event.
	Debug bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NewConnector overrides how the upstream connector is built. Nil
	// builds an upstream.Client from the fields above.
	NewConnector ConnectorFunc

	// Accept overrides the client socket upgrade. Nil means websocket.Accept.
	Accept AcceptFunc
}

// Handler is the relay endpoint. Every request that asks for a WebSocket
// upgrade becomes one Session; anything else gets 426.
type Handler struct {
	cfg HandlerConfig
	sem *sessionSemaphore
}

// NewHandler returns a Handler for cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Credentials == nil {
		cfg.Credentials = &upstream.EnvCredentialProvider{}
	}
	if cfg.Model == "" {
		cfg.Model = upstream.DefaultModel
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = upstream.DefaultMaxMessageBytes
	}
	h := &Handler{cfg: cfg, sem: newSessionSemaphore(cfg.MaxSessions)}
	if h.cfg.NewConnector == nil {
		h.cfg.NewConnector = h.newClientConnector
	}
	if h.cfg.Accept == nil {
		h.cfg.Accept = acceptWebSocket(cfg.MaxMessageBytes)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.cfg.Logger
	m := h.cfg.Metrics

	if !isWebSocketUpgrade(r) {
		m.SessionError(metrics.ReasonUpgradeRequired)
		http.Error(w, "Expected Upgrade: websocket", http.StatusUpgradeRequired)
		return
	}

	if !h.sem.tryAcquire(r.Context()) {
		logger.Warn("session limit reached, rejecting", "remote", r.RemoteAddr)
		m.SessionError(metrics.ReasonSessionLimit)
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.release()

	sess := NewSession(SessionConfig{
		Model:   h.model(r),
		Debug:   h.cfg.Debug,
		Logger:  logger,
		Metrics: m,
	})
	logger = logger.With("session", sess.ID())

	credential, err := h.cfg.Credentials.Credential(r.Context())
	if err != nil || credential == "" {
		if err == nil || errors.Is(err, upstream.ErrMissingCredentials) {
			logger.Warn("missing API key", "error", err)
		} else {
			logger.Error("resolve API key", "error", err)
		}
		m.SessionError(metrics.ReasonMissingCredentials)
		sess.Abort()
		http.Error(w, "Missing API key", http.StatusUnauthorized)
		return
	}

	header := sess.Negotiate(r.Header)

	connector, err := h.cfg.NewConnector(credential)
	if err != nil {
		logger.Error("create upstream client", "error", err)
		m.SessionError(metrics.ReasonClientConstruction)
		sess.Abort()
		http.Error(w, "Failed to create upstream client", http.StatusInternalServerError)
		return
	}

	for k, v := range header {
		w.Header()[k] = v
	}
	client, err := h.cfg.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: len(h.cfg.OriginPatterns) == 0,
		OriginPatterns:     h.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		logger.Warn("accept client socket", "error", err)
		m.SessionError(metrics.ReasonAcceptFailed)
		sess.Abort()
		return
	}

	logger.Info("client connected",
		"remote", r.RemoteAddr,
		"subprotocol", sess.Subprotocol(),
		"model", sess.model)

	tracker := m.SessionOpened()
	start := time.Now()
	err = sess.Run(r.Context(), client, connector)
	tracker.Done(time.Since(start).Seconds(), sess.Relayed(), err)

	switch {
	case err != nil && !sess.Relayed():
		m.SessionError(metrics.HandshakeReason(err))
	case err != nil:
		logger.Warn("session ended with error", "error", err)
	default:
		logger.Info("session ended", "duration", time.Since(start).Round(time.Millisecond))
	}
}

func (h *Handler) model(r *http.Request) string {
	if h.cfg.AllowModelOverride {
		if m := strings.TrimSpace(r.URL.Query().Get("model")); m != "" {
			return m
		}
	}
	return h.cfg.Model
}

func (h *Handler) newClientConnector(credential string) (Connector, error) {
	client, err := upstream.NewClient(upstream.Config{
		URL:              h.cfg.UpstreamURL,
		Credential:       credential,
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		KeepAlive:        h.cfg.KeepAlive,
		MaxMessageBytes:  h.cfg.MaxMessageBytes,
		Debug:            h.cfg.Debug,
		Logger:           h.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return clientConnector{client: client}, nil
}

// clientConnector adapts *upstream.Client to Connector.
type clientConnector struct {
	client *upstream.Client
}

func (c clientConnector) Connect(ctx context.Context, model string) (Upstream, error) {
	s, err := c.client.Connect(ctx, model)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func acceptWebSocket(maxMessageBytes int64) AcceptFunc {
	return func(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (ClientConn, error) {
		ws, err := websocket.Accept(w, r, opts)
		if err != nil {
			return nil, err
		}
		ws.SetReadLimit(maxMessageBytes)
		return ws, nil
	}
}
