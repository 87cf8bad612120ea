package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a failed request.
type Kind int

const (
	KindUnclassified Kind = iota
	KindOfflineDeferred
	KindNetworkFailure
	KindAuthenticationRequired
	KindValidationFailure
	KindRateLimited
	KindServerFailure
)

func (k Kind) String() string {
	switch k {
	case KindOfflineDeferred:
		return "offline deferred"
	case KindNetworkFailure:
		return "network failure"
	case KindAuthenticationRequired:
		return "authentication required"
	case KindValidationFailure:
		return "validation failure"
	case KindRateLimited:
		return "rate limited"
	case KindServerFailure:
		return "server failure"
	default:
		return "unclassified"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrOfflineDeferred        = errors.New("request deferred until online")
	ErrNetworkFailure         = errors.New("network failure")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrValidationFailure      = errors.New("validation failure")
	ErrRateLimited            = errors.New("rate limited")
	ErrServerFailure          = errors.New("server failure")
	ErrUnclassified           = errors.New("request failed")
)

// ErrOffline is the cause attached to reads attempted while offline.
var ErrOffline = errors.New("device offline")

func (k Kind) sentinel() error {
	switch k {
	case KindOfflineDeferred:
		return ErrOfflineDeferred
	case KindNetworkFailure:
		return ErrNetworkFailure
	case KindAuthenticationRequired:
		return ErrAuthenticationRequired
	case KindValidationFailure:
		return ErrValidationFailure
	case KindRateLimited:
		return ErrRateLimited
	case KindServerFailure:
		return ErrServerFailure
	default:
		return ErrUnclassified
	}
}

// Error is returned by Pipeline.Do for every failed request.
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no response was received
	Message    string // Server-supplied message, if any
	Body       []byte

	// Fields holds per-field messages of a validation failure.
	Fields map[string][]string

	// RetryAfter is the server's requested wait on a rate limit, 0 if absent.
	RetryAfter time.Duration

	// QueuedID is the offline queue id of a deferred request.
	QueuedID string

	Err error // Underlying cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindOfflineDeferred:
		return fmt.Sprintf("%s: queued as %s", e.Kind, e.QueuedID)
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (%d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the Kind of err, or KindUnclassified when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnclassified
}

// errorBody is the server's error envelope.
type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// classify turns a non-2xx response into an *Error. 401 is classified as
// KindAuthenticationRequired; the pipeline handles renewal before it gets here.
func classify(resp *Response, now time.Time) *Error {
	e := &Error{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}

	var body errorBody
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		e.Message = body.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = KindAuthenticationRequired
	case resp.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = KindValidationFailure
		e.Fields = body.Errors
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	case resp.StatusCode >= 500:
		e.Kind = KindServerFailure
	default:
		e.Kind = KindUnclassified
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
