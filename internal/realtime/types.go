package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrDisconnected    = errors.New("disconnected while connecting")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrSocketClosed    = errors.New("socket closed")
)

// EventConnectionLost is emitted, with no data, when reconnection gives up
// after MaxReconnectAttempts.
const EventConnectionLost = "connection:lost"

// State is the connection's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Frame is the wire envelope: one JSON object per websocket message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Topic identifies one event stream, e.g. channel "auction" with the
// auction's id.
type Topic struct {
	Channel string
	ID      string
}

func (t Topic) String() string {
	return t.Channel + "/" + t.ID
}

type topicData struct {
	TopicID string `json:"topicId"`
}

// Config configures a Connection.
type Config struct {
	URL                  string        // Websocket URL
	ReconnectBaseDelay   time.Duration // Delay before the first reconnect attempt (default: 1s)
	MaxReconnectAttempts int           // Attempts before giving up (default: 5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
	}
}

// maxBackoff caps the doubling so large attempt counts cannot overflow.
const maxBackoff = 10 * time.Minute

// backoff returns the delay before reconnect attempt n (n starts at 1):
// base doubled n-1 times, capped at maxBackoff or base, whichever is larger.
func (c Config) backoff(n int) time.Duration {
	limit := max(maxBackoff, c.ReconnectBaseDelay)
	d := c.ReconnectBaseDelay
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
