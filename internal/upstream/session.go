package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/realtime-relay/internal/protocol"
)

const pingTimeout = 10 * time.Second

// ErrNotConnected is returned by Send after the session has closed.
var ErrNotConnected = errors.New("upstream session not connected")

// Session is a connected upstream realtime session.
//
// Inbound server events are delivered on Events in arrival order. When the
// session ends, Done is closed, Err reports why (nil for a clean close), and
// Events is closed once the reader has exited.
type Session struct {
	ws     *websocket.Conn
	logger *slog.Logger
	debug  bool

	events    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	err       error
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ws *websocket.Conn, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ws:     ws,
		logger: cfg.Logger,
		debug:  cfg.Debug,
		events: make(chan []byte),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.connected.Store(true)

	go s.readLoop()
	if cfg.KeepAlive > 0 {
		go s.pingLoop(cfg.KeepAlive)
	}
	return s
}

// Events returns the inbound server event stream. Each value is one complete
// JSON event exactly as received.
func (s *Session) Events() <-chan []byte { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended: nil after Disconnect or a
// normal close from the server, non-nil otherwise. Only valid after Done is
// closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// IsConnected reports whether the session is still open.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Send writes a client event to the upstream socket. The event is stamped
// with eventType and an event_id when they are missing.
func (s *Session) Send(ctx context.Context, eventType string, event []byte) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	data, err := protocol.Stamp(eventType, event)
	if err != nil {
		return fmt.Errorf("stamp %s: %w", eventType, err)
	}
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	if s.debug {
		s.logger.Debug("sent upstream event", "type", eventType, "bytes", len(data))
	}
	return nil
}

// Disconnect closes the upstream socket with a normal closure. It is safe to
// call more than once and from any goroutine.
func (s *Session) Disconnect() error {
	s.finish(nil)
	return nil
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.err = err
		if err == nil {
			_ = s.ws.Close(websocket.StatusNormalClosure, "")
		} else {
			_ = s.ws.CloseNow()
		}
		s.cancel()
		close(s.done)
	})
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.ws.Read(s.ctx)
		if err != nil {
			s.finish(ignoreNormalClose(err))
			return
		}
		// Server events are forwarded whatever their shape; only frames that
		// are not JSON objects are dropped.
		eventType, err := protocol.EventType(data)
		if errors.Is(err, protocol.ErrInvalidJSON) {
			s.logger.Warn("dropping malformed upstream event", "error", err, "bytes", len(data))
			continue
		}
		if s.debug {
			s.logger.Debug("received upstream event", "type", eventType, "bytes", len(data))
		}
		select {
		case s.events <- data:
		case <-s.done:
			return
		}
	}
}

// pingLoop sends periodic WebSocket pings so a dead upstream link ends the
// session instead of hanging it.
func (s *Session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			err := s.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("upstream ping failed, closing session", "error", err)
					s.finish(fmt.Errorf("ping: %w", err))
				}
				return
			}
		}
	}
}

// ignoreNormalClose treats a normal closure or EOF from the server as a
// clean end of session.
func ignoreNormalClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
