package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Errors
var (
	ErrNotQueueable  = errors.New("only POST, PUT, PATCH and DELETE requests can be queued")
	ErrEmptyPath     = errors.New("request path is required")
	ErrInvalidConfig = errors.New("invalid queue config")
)

// Priority orders queued requests. The zero value is PriorityNormal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "HIGH":
		*p = PriorityHigh
	case "NORMAL", "":
		*p = PriorityNormal
	case "LOW":
		*p = PriorityLow
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

// Request is a mutating call handed to the queue.
type Request struct {
	Method   string
	Path     string
	Body     []byte
	Header   http.Header
	Priority Priority
}

// QueuedRequest is a deferred mutating call as persisted.
type QueuedRequest struct {
	ID         string      `json:"id"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Body       []byte      `json:"body,omitempty"`
	Header     http.Header `json:"headers,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	RetryCount int         `json:"retry_count"`
	Priority   Priority    `json:"priority"`
}

func (r QueuedRequest) clone() QueuedRequest {
	c := r
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	return c
}

// Executor replays one queued request. A nil error means the server accepted it.
type Executor func(ctx context.Context, req QueuedRequest) error

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// Config configures the queue.
type Config struct {
	Capacity   int    // Hard ceiling on queued items (default: 50)
	MaxRetries int    // Failed replays before an item is dropped (default: 3)
	StorageKey string // Durable store key holding the serialized queue
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:   50,
		MaxRetries: 3,
		StorageKey: "syncline:offline_queue",
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped     string // Non-empty when the drain did not run, with the reason
	Attempted   int
	Replayed    int
	Retried     int // Failed and kept with an incremented retry count
	Dropped     int
	Interrupted bool // Connectivity or context lost mid-drain
	Remaining   int
}

// Reasons a drain is skipped.
const (
	SkipOffline    = "offline"
	SkipDraining   = "already draining"
	SkipNoExecutor = "no executor"
)

// permanentError marks a replay failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue drops the item instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsQueueable reports whether method may be deferred.
func IsQueueable(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
