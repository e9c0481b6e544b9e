// Package relay bridges browser WebSocket sessions to an upstream realtime
// API session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/philsphicas/realtime-relay/internal/metrics"
	"github.com/philsphicas/realtime-relay/internal/protocol"
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateAwaitingUpstream
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNegotiating:
		return "negotiating"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errSessionClosed = errors.New("session closed")

// ClientConn is the browser-facing socket. *websocket.Conn satisfies it.
type ClientConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Upstream is a connected upstream realtime session. *upstream.Session
// satisfies it.
type Upstream interface {
	Send(ctx context.Context, eventType string, event []byte) error
	Events() <-chan []byte
	Done() <-chan struct{}
	Err() error
	IsConnected() bool
	Disconnect() error
}

// Connector performs the upstream handshake for one session.
type Connector interface {
	Connect(ctx context.Context, model string) (Upstream, error)
}

// SessionConfig holds per-session parameters.
type SessionConfig struct {
	// Model is the upstream model identifier.
	Model string

	// Debug logs the type of every relayed event.
	Debug bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type pendingMessage struct {
	eventType string
	data      []byte
}

// Session relays one client connection to one upstream session.
//
// Client messages that arrive before the upstream handshake completes are
// queued. When the handshake succeeds the queue is written back to the
// client socket in arrival order, then upstream events are forwarded to the
// client and client events to the upstream until either side closes.
type Session struct {
	id          string
	model       string
	subprotocol string
	debug       bool
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	state    State
	relayed  bool
	pending  []pendingMessage
	client   ClientConn
	upstream Upstream
	cancel   context.CancelFunc

	closeClientOnce sync.Once
	disconnectOnce  sync.Once
	clientGone      atomic.Bool
	clientDone      chan struct{}
}

// NewSession returns a Session in StateInit.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		model:      cfg.Model,
		debug:      cfg.Debug,
		logger:     cfg.Logger.With("session", id),
		metrics:    cfg.Metrics,
		clientDone: make(chan struct{}),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Relayed reports whether the session ever reached StateRelaying.
func (s *Session) Relayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed
}

// Subprotocol returns the sub-protocol chosen by Negotiate.
func (s *Session) Subprotocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subprotocol
}

// Negotiate moves the session to StateNegotiating, picks the sub-protocol
// from the upgrade request headers and returns the response headers to send
// with the upgrade.
func (s *Session) Negotiate(h http.Header) http.Header {
	proto := NegotiateSubprotocol(h)
	s.mu.Lock()
	if s.state == StateInit {
		s.state = StateNegotiating
	}
	s.subprotocol = proto
	s.mu.Unlock()
	return ResponseHeaders(proto)
}

// Abort closes a session that never reached the accepted client socket.
func (s *Session) Abort() {
	s.mu.Lock()
	s.state = StateClosed
	s.pending = nil
	s.mu.Unlock()
}

// Run relays between the accepted client socket and the upstream session
// established by connector. It blocks until both sides are closed. The
// returned error is non-nil when the handshake failed or the upstream
// session ended abnormally; a client-initiated close is not an error.
func (s *Session) Run(ctx context.Context, client ClientConn, connector Connector) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.client = client
	s.cancel = cancel
	s.state = StateAwaitingUpstream
	s.mu.Unlock()

	go s.readClient(ctx)

	err := s.relay(ctx, connector)
	if !s.clientGone.Load() {
		s.closeClient(websocket.StatusGoingAway, "relay shutting down")
	}

	cancel()
	<-s.clientDone
	return err
}

func (s *Session) relay(ctx context.Context, connector Connector) error {
	start := time.Now()
	up, err := connector.Connect(ctx, s.model)
	s.metrics.ObserveConnectDuration(time.Since(start).Seconds())
	if err != nil {
		if s.State() == StateClosed {
			s.logger.Debug("client closed during upstream handshake")
			return nil
		}
		s.logger.Error("upstream connection failed", "error", err)
		s.closeClient(websocket.StatusInternalError, "upstream connection failed")
		s.close()
		return err
	}

	if !s.ready(ctx, up) {
		// The client left while the handshake was in flight.
		s.disconnectUpstream(up)
		return nil
	}
	s.logger.Info("relaying", "model", s.model)
	return s.pump(ctx, up)
}

// ready transitions to StateRelaying and replays queued client messages to
// the client socket. The queue is taken under the lock, so a client message
// arriving concurrently is either part of the replay or sent upstream. The
// writes happen after unlocking so a stalled client cannot hold up teardown;
// upstream events are pumped only once ready returns, so none interleave
// with the replay. It returns false if the session closed first.
func (s *Session) ready(ctx context.Context, up Upstream) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.upstream = up
	s.state = StateRelaying
	s.relayed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, msg := range pending {
		if err := s.client.Write(ctx, websocket.MessageText, msg.data); err != nil {
			s.logger.Debug("replay to client failed", "error", err)
			break
		}
		s.metrics.EventForwarded(metrics.DirectionReplay, msg.eventType, len(msg.data))
		if s.debug {
			s.logger.Debug("replayed queued message", "type", msg.eventType)
		}
	}
	return true
}

// pump forwards upstream events to the client until the upstream ends or
// the session is cancelled.
func (s *Session) pump(ctx context.Context, up Upstream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-up.Events():
			if !ok {
				return s.upstreamClosed(up)
			}
			if s.State() == StateClosed {
				return nil
			}
			eventType, _ := protocol.EventType(data)
			if err := s.client.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Debug("write to client failed", "error", err)
				return nil
			}
			s.metrics.EventForwarded(metrics.DirectionUpstreamToClient, eventType, len(data))
			if s.debug {
				s.logger.Debug("relayed upstream event", "type", eventType)
			}
		}
	}
}

func (s *Session) upstreamClosed(up Upstream) error {
	err := up.Err()
	if s.State() == StateClosed {
		return nil
	}
	if err != nil {
		s.logger.Warn("upstream session ended", "error", err)
		s.closeClient(websocket.StatusInternalError, "upstream session ended")
	} else {
		s.logger.Info("upstream session closed")
		s.closeClient(websocket.StatusNormalClosure, "")
	}
	s.close()
	return err
}

func (s *Session) readClient(ctx context.Context) {
	defer close(s.clientDone)
	for {
		_, data, err := s.client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.clientGone.Store(true)
			}
			s.clientClosed(err)
			return
		}
		s.handleClientMessage(ctx, data)
	}
}

// handleClientMessage queues, forwards or drops one client message
// depending on the session state. Messages that are not JSON objects with a
// string "type" are dropped without ending the session.
func (s *Session) handleClientMessage(ctx context.Context, data []byte) {
	eventType, err := protocol.EventType(data)
	if err != nil {
		s.logger.Warn("dropping malformed client message", "error", err, "bytes", len(data))
		s.metrics.MessageDropped(metrics.DropMalformed)
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateRelaying:
	case StateClosed:
		s.mu.Unlock()
		s.metrics.MessageDropped(metrics.DropClosed)
		return
	default:
		s.pending = append(s.pending, pendingMessage{eventType: eventType, data: data})
		s.mu.Unlock()
		s.metrics.MessageQueued()
		if s.debug {
			s.logger.Debug("queued client message", "type", eventType)
		}
		return
	}
	up := s.upstream
	s.mu.Unlock()

	if err := up.Send(ctx, eventType, data); err != nil {
		s.logger.Warn("send to upstream failed", "type", eventType, "error", err)
		s.metrics.MessageDropped(metrics.DropSendFailed)
		return
	}
	s.metrics.EventForwarded(metrics.DirectionClientToUpstream, eventType, len(data))
	if s.debug {
		s.logger.Debug("relayed client event", "type", eventType)
	}
}

// clientClosed tears the session down after the client socket ends. The
// upstream is disconnected if it exists; otherwise the in-flight handshake
// is cancelled and relay disconnects a late success.
func (s *Session) clientClosed(err error) {
	prev, up, dropped := s.close()
	if prev != StateClosed {
		s.logger.Info("client disconnected",
			"code", websocket.CloseStatus(err),
			"state", prev,
			"pending_dropped", dropped)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if up != nil {
		s.disconnectUpstream(up)
	}
}

// close moves the session to StateClosed and discards the queue. It returns
// the previous state, the upstream handle (nil if never established) and the
// number of discarded messages.
func (s *Session) close() (State, Upstream, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	dropped := len(s.pending)
	s.state = StateClosed
	s.pending = nil
	return prev, s.upstream, dropped
}

func (s *Session) closeClient(code websocket.StatusCode, reason string) {
	s.closeClientOnce.Do(func() {
		_ = s.client.Close(code, reason)
	})
}

func (s *Session) disconnectUpstream(up Upstream) {
	s.disconnectOnce.Do(func() {
		if err := up.Disconnect(); err != nil {
			s.logger.Debug("upstream disconnect", "error", err)
		}
	})
}

// queued returns the number of pending client messages.
func (s *Session) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
