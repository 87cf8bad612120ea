package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/syncline/internal/credentials"
	"github.com/rickgao/syncline/internal/queue"
)

// Credentials supplies and renews the bearer token.
type Credentials interface {
	AccessToken() string
	Renew(ctx context.Context) (credentials.Pair, error)
	NeedsRenewal(now time.Time, skew time.Duration) bool
}

// Deferrer accepts mutating requests that cannot be sent now.
type Deferrer interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// Pipeline sends REST requests with offline deferral and credential renewal.
type Pipeline struct {
	transport Transport
	creds     Credentials
	deferrer  Deferrer
	online    OnlineChecker
	logger    *slog.Logger

	refreshSkew time.Duration
	now         func() time.Time

	mu             sync.Mutex
	expiryHandlers []func()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithRefreshSkew renews credentials before sending when the access token
// expires within d. Zero disables proactive renewal.
func WithRefreshSkew(d time.Duration) Option {
	return func(p *Pipeline) {
		p.refreshSkew = d
	}
}

// New creates a pipeline.
func New(t Transport, creds Credentials, d Deferrer, online OnlineChecker, opts ...Option) *Pipeline {
	p := &Pipeline{
		transport: t,
		creds:     creds,
		deferrer:  d,
		online:    online,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnSessionExpired registers fn to run when renewal fails and the session is
// gone. The application typically routes the user back to sign-in.
func (p *Pipeline) OnSessionExpired(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiryHandlers = append(p.expiryHandlers, fn)
}

// Do sends req. On success the 2xx response is returned. Every failure is an
// *Error; mutating requests that could not be sent are queued and reported as
// KindOfflineDeferred.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnclassified)
	}
	r := *req
	req = &r
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	mutating := queue.IsQueueable(req.Method)

	if !p.online.IsOnline() {
		if mutating {
			return nil, p.deferRequest(ctx, req)
		}
		return nil, &Error{Kind: KindNetworkFailure, Err: ErrOffline}
	}

	p.renewIfExpiring(ctx)

	resp, err := p.exchange(ctx, req)
	if err != nil {
		var perr *Error
		if mutating && errors.As(err, &perr) && perr.Kind == KindNetworkFailure && ctx.Err() == nil {
			p.logger.Info("mutating request got no response, deferring",
				"method", req.Method,
				"path", req.Path,
				"error", perr.Err,
			)
			return nil, p.deferRequest(ctx, req)
		}
		return nil, err
	}
	return resp, nil
}

// Executor returns the replay function for the offline queue. Replays go
// through the same token and renewal handling as Do but are never re-queued.
// Validation failures are marked permanent so the queue drops them at once.
func (p *Pipeline) Executor() queue.Executor {
	return func(ctx context.Context, qr queue.QueuedRequest) error {
		_, err := p.exchange(ctx, &Request{
			Method: qr.Method,
			Path:   qr.Path,
			Body:   qr.Body,
			Header: qr.Header,
		})
		if err == nil {
			return nil
		}
		if KindOf(err) == KindValidationFailure {
			return queue.Permanent(err)
		}
		return err
	}
}

// exchange transmits req with the current token, handling a single 401 with
// renewal and one retransmission.
func (p *Pipeline) exchange(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.transport.Do(ctx, req, p.creds.AccessToken())
	if err != nil {
		return nil, &Error{Kind: KindNetworkFailure, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		pair, rerr := p.creds.Renew(ctx)
		if rerr != nil {
			if !errors.Is(rerr, credentials.ErrRenewalFailed) {
				// This caller stopped waiting; the renewal itself carries on.
				return nil, &Error{Kind: KindNetworkFailure, Err: rerr}
			}
			p.sessionExpired()
			return nil, &Error{
				Kind:       KindAuthenticationRequired,
				StatusCode: http.StatusUnauthorized,
				Message:    "session expired",
				Err:        rerr,
			}
		}

		resp, err = p.transport.Do(ctx, req, pair.AccessToken)
		if err != nil {
			return nil, &Error{Kind: KindNetworkFailure, Err: err}
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, classify(resp, p.now())
}

func (p *Pipeline) renewIfExpiring(ctx context.Context) {
	if p.refreshSkew <= 0 || !p.creds.NeedsRenewal(p.now(), p.refreshSkew) {
		return
	}
	if _, err := p.creds.Renew(ctx); err != nil {
		// The send proceeds; a 401 takes the regular path.
		p.logger.Warn("proactive credential renewal failed", "error", err)
	}
}

func (p *Pipeline) deferRequest(ctx context.Context, req *Request) error {
	id, err := p.deferrer.Enqueue(ctx, queue.Request{
		Method:   req.Method,
		Path:     requestPath(req),
		Body:     req.Body,
		Header:   req.Header,
		Priority: req.Priority,
	})
	if err != nil {
		return &Error{Kind: KindNetworkFailure, Err: fmt.Errorf("defer request: %w", err)}
	}
	return &Error{Kind: KindOfflineDeferred, QueuedID: id}
}

func (p *Pipeline) sessionExpired() {
	p.mu.Lock()
	handlers := append([]func(){}, p.expiryHandlers...)
	p.mu.Unlock()

	p.logger.Warn("session expired", "handlers", len(handlers))
	for _, fn := range handlers {
		fn()
	}
}

// requestPath folds the query into the path so a queued request replays
// against the same URL.
func requestPath(req *Request) string {
	if len(req.Query) == 0 {
		return req.Path
	}
	return req.Path + "?" + req.Query.Encode()
}
