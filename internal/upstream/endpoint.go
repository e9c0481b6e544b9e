package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// DefaultURL is the OpenAI realtime endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"
)

// ParseEndpoint normalizes an upstream endpoint to a ws:// or wss:// URL.
//
// Accepted input formats:
//   - Host only: "api.openai.com/v1/realtime" → "wss://api.openai.com/v1/realtime"
//   - WebSocket URL: "wss://..." or "ws://..." → used as-is
//   - HTTP URL: "https://..." → "wss://...", "http://..." → "ws://..."
//
// Existing query parameters (for example Azure's api-version and deployment)
// are kept.
func ParseEndpoint(input string) (*url.URL, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(input, "://") {
		input = "wss://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		u.Scheme = "wss"
	case "ws", "http":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("endpoint %q has no host", input)
	}
	return u, nil
}

// SessionURL returns the dial URL for one session: base with the model query
// parameter set. An empty model leaves base unchanged.
func SessionURL(base *url.URL, model string) string {
	u := *base
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
