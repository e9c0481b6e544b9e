// Package protocol defines the wire format shared by the browser-facing and
// upstream realtime sockets.
//
// Every message in either direction is a single JSON object carried in one
// WebSocket text message. The relay only looks at the "type" field; the rest
// of the payload is opaque and passed through as received.
package protocol

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Subprotocol is the only WebSocket sub-protocol token the relay accepts
// from browser clients.
const Subprotocol = "realtime"

// EventIDPrefix prefixes generated client event IDs.
const EventIDPrefix = "evt_"

// eventIDLength matches the length of IDs generated by the realtime client
// libraries (prefix excluded).
const eventIDLength = 21

var (
	// ErrInvalidJSON is returned for payloads that are not a JSON object.
	ErrInvalidJSON = errors.New("event is not a JSON object")

	// ErrMissingType is returned for JSON objects without a string "type".
	ErrMissingType = errors.New("event has no type")
)

// EventType returns the "type" field of a relayed event. The payload must be
// a JSON object whose "type" is a non-empty string.
func EventType(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrInvalidJSON
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", ErrInvalidJSON
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return "", ErrMissingType
	}
	return typ.Str, nil
}

// Stamp prepares a client event for the upstream socket. The event keeps
// every field it already has; "type" is set to eventType and "event_id" is
// generated only when they are absent.
func Stamp(eventType string, data []byte) ([]byte, error) {
	out := data
	var err error
	if !gjson.GetBytes(out, "type").Exists() {
		if out, err = sjson.SetBytes(out, "type", eventType); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(out, "event_id").Exists() {
		if out, err = sjson.SetBytes(out, "event_id", NewEventID()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// NewEventID returns a random client event ID such as "evt_3f2a...".
func NewEventID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return EventIDPrefix + id[:eventIDLength]
}
