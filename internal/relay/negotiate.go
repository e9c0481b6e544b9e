package relay

import (
	"net/http"
	"strings"

	"github.com/philsphicas/realtime-relay/internal/protocol"
)

const subprotocolHeader = "Sec-WebSocket-Protocol"

// NegotiateSubprotocol returns protocol.Subprotocol if the client offered it
// in any Sec-WebSocket-Protocol header, and "" otherwise. Tokens are
// whitespace-trimmed and compared case-sensitively.
func NegotiateSubprotocol(h http.Header) string {
	for _, v := range h.Values(subprotocolHeader) {
		for _, tok := range strings.Split(v, ",") {
			if strings.TrimSpace(tok) == protocol.Subprotocol {
				return protocol.Subprotocol
			}
		}
	}
	return ""
}

// ResponseHeaders returns the headers to send on the upgrade response for
// the negotiated sub-protocol. An empty subprotocol yields no headers.
func ResponseHeaders(subprotocol string) http.Header {
	h := make(http.Header)
	if subprotocol != "" {
		h.Set(subprotocolHeader, subprotocol)
	}
	return h
}

// isWebSocketUpgrade reports whether r asks for a WebSocket upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Upgrade") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "websocket") {
				return true
			}
		}
	}
	return false
}
