//go:build e2e

package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fakeUpstream is a realtime endpoint that greets each session with
// session.created and answers every event with an "echo" event naming the
// received type. A "test.close" event ends the session normally.
type fakeUpstream struct {
	srv *httptest.Server

	// delay holds the handshake open before accepting.
	delay time.Duration

	mu       sync.Mutex
	auth     []string
	models   []string
	received []string
}

// startFakeUpstream starts a fake realtime endpoint on a random port.
func startFakeUpstream(t *testing.T, delay time.Duration) *fakeUpstream {
	t.Helper()
	fu := &fakeUpstream{delay: delay}
	fu.srv = httptest.NewServer(http.HandlerFunc(fu.serve))
	t.Cleanup(fu.srv.Close)
	return fu
}

// URL returns the ws:// endpoint.
func (fu *fakeUpstream) URL() string {
	return "ws" + strings.TrimPrefix(fu.srv.URL, "http")
}

func (fu *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	fu.mu.Lock()
	fu.auth = append(fu.auth, r.Header.Get("Authorization"))
	fu.models = append(fu.models, r.URL.Query().Get("model"))
	fu.mu.Unlock()

	if fu.delay > 0 {
		select {
		case <-time.After(fu.delay):
		case <-r.Context().Done():
			return
		}
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()
	ctx := context.Background()

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"session.created"}`)); err != nil {
		return
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		fu.mu.Lock()
		fu.received = append(fu.received, string(data))
		fu.mu.Unlock()

		typ := gjson.GetBytes(data, "type").String()
		if typ == "test.close" {
			ws.Close(websocket.StatusNormalClosure, "done")
			return
		}
		reply, _ := sjson.SetBytes([]byte(`{"type":"echo"}`), "received_type", typ)
		if err := ws.Write(ctx, websocket.MessageText, reply); err != nil {
			return
		}
	}
}

// Auth returns the Authorization headers seen, one per handshake.
func (fu *fakeUpstream) Auth() []string {
	fu.mu.Lock()
	defer fu.mu.Unlock()
	return append([]string(nil), fu.auth...)
}

// Models returns the model query parameters seen, one per handshake.
func (fu *fakeUpstream) Models() []string {
	fu.mu.Lock()
	defer fu.mu.Unlock()
	return append([]string(nil), fu.models...)
}

// Received returns the raw events received across all sessions.
func (fu *fakeUpstream) Received() []string {
	fu.mu.Lock()
	defer fu.mu.Unlock()
	return append([]string(nil), fu.received...)
}
