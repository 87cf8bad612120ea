// Package credentials owns the session's credential pair and coordinates its
// renewal.
//
// Renew is single-flight: however many callers hit an expired token at once,
// exactly one renewal round-trip is made and every caller observes its
// result. A failed renewal clears all credential state. A renewal that
// completes after the session was cleared or replaced is discarded.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/syncline/internal/metrics"
	"github.com/rickgao/syncline/internal/store"
)

// DefaultStorageKey is the durable store key holding the persisted pair.
const DefaultStorageKey = "syncline:credentials"

// Errors
var (
	ErrRenewalFailed    = errors.New("credential renewal failed")
	ErrNoRefreshToken   = errors.New("no refresh token")
	ErrNoAccessToken    = errors.New("access token is required")
	ErrNoExpiry         = errors.New("token carries no expiry")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionChanged   = errors.New("session changed during renewal")
)

// Pair is an access token plus the optional refresh token used to renew it.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Renewer exchanges a refresh token for a new pair.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Pair, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, refreshToken string) (Pair, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshToken string) (Pair, error) {
	return f(ctx, refreshToken)
}

// ChangeListener observes the current pair after every change. A zero Pair
// means credentials were cleared.
type ChangeListener func(p Pair)

// Manager holds the credential pair.
type Manager struct {
	store      store.Store
	storageKey string
	renewer    Renewer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// writeMu serializes a pair change with its persistence.
	writeMu sync.Mutex

	mu        sync.RWMutex
	pair      Pair
	epoch     uint64 // bumped on every change to pair
	listeners []ChangeListener

	renewals singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithStorageKey overrides DefaultStorageKey.
func WithStorageKey(key string) Option {
	return func(m *Manager) {
		m.storageKey = key
	}
}

// WithMetrics records renewal outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager with no credentials. Call Load to restore a
// persisted pair.
func NewManager(st store.Store, r Renewer, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		storageKey: DefaultStorageKey,
		renewer:    r,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores the persisted pair, if any. It reports whether one was found.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	raw, ok, err := m.store.Get(ctx, m.storageKey)
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	if !ok || len(raw) == 0 {
		return false, nil
	}

	var p Pair
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, fmt.Errorf("decode credentials: %w", err)
	}
	if p.AccessToken == "" {
		return false, nil
	}

	m.mu.Lock()
	m.pair = p
	m.epoch++
	m.mu.Unlock()
	return true, nil
}

// AccessToken returns the current access token, or "" when unauthenticated.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.AccessToken
}

// Current returns the current pair.
func (m *Manager) Current() Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair
}

// Authenticated reports whether an access token is held.
func (m *Manager) Authenticated() bool {
	return m.AccessToken() != ""
}

// OnChange registers a listener invoked after every change to the pair.
func (m *Manager) OnChange(l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Authenticate stores a freshly obtained pair.
func (m *Manager) Authenticate(ctx context.Context, p Pair) error {
	if p.AccessToken == "" {
		return ErrNoAccessToken
	}
	if _, err := m.commit(ctx, p, nil); err != nil {
		return err
	}
	m.logger.Info("credentials stored", "has_refresh_token", p.RefreshToken != "")
	return nil
}

// Clear removes all credential state, in memory and persisted.
func (m *Manager) Clear(ctx context.Context) error {
	_, err := m.commit(ctx, Pair{}, nil)
	return err
}

// Renew exchanges the refresh token for a new pair. Concurrent calls share a
// single round-trip and its outcome. On failure every caller receives an
// error wrapping ErrRenewalFailed and the credentials are cleared.
//
// ctx only bounds how long this caller waits; cancelling it does not abort
// the shared renewal.
func (m *Manager) Renew(ctx context.Context) (Pair, error) {
	ch := m.renewals.DoChan("renew", func() (any, error) {
		return m.renew(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Pair{}, res.Err
		}
		return res.Val.(Pair), nil
	case <-ctx.Done():
		return Pair{}, ctx.Err()
	}
}

func (m *Manager) renew(ctx context.Context) (Pair, error) {
	m.mu.RLock()
	refresh := m.pair.RefreshToken
	epoch := m.epoch
	m.mu.RUnlock()

	var (
		p   Pair
		err error
	)
	if refresh == "" {
		err = ErrNoRefreshToken
	} else {
		p, err = m.renewer.Renew(ctx, refresh)
		if err == nil && p.AccessToken == "" {
			err = ErrNoAccessToken
		}
	}

	if err != nil {
		m.metrics.Renewal(false)
		m.logger.Warn("credential renewal failed, clearing session", "error", err)
		if _, cerr := m.commit(ctx, Pair{}, &epoch); cerr != nil {
			m.logger.Error("failed to clear credentials", "error", cerr)
		}
		return Pair{}, fmt.Errorf("%w: %w", ErrRenewalFailed, err)
	}

	if p.RefreshToken == "" {
		// Servers that do not rotate refresh tokens omit it.
		p.RefreshToken = refresh
	}
	applied, err := m.commit(ctx, p, &epoch)
	if err != nil {
		m.logger.Error("failed to persist renewed credentials", "error", err)
	}
	if !applied {
		m.metrics.Renewal(false)
		m.logger.Warn("discarding renewed credentials, session changed during renewal")
		return Pair{}, fmt.Errorf("%w: %w", ErrRenewalFailed, ErrSessionChanged)
	}
	m.metrics.Renewal(true)
	m.logger.Info("credentials renewed")
	return p, nil
}

// commit replaces the pair and persists it; a zero pair deletes the persisted
// copy. When expect is non-nil the change only applies if no other change
// happened since that epoch was read. Listeners run after persistence.
func (m *Manager) commit(ctx context.Context, p Pair, expect *uint64) (bool, error) {
	m.writeMu.Lock()

	m.mu.Lock()
	if expect != nil && *expect != m.epoch {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return false, nil
	}
	m.pair = p
	m.epoch++
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	err := m.persist(ctx, p)
	m.writeMu.Unlock()

	for _, l := range listeners {
		l(p)
	}
	return true, err
}

func (m *Manager) persist(ctx context.Context, p Pair) error {
	if p == (Pair{}) {
		if err := m.store.Delete(ctx, m.storageKey); err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := m.store.Set(ctx, m.storageKey, raw); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

// Expiry returns the exp claim of the current access token. The signature is
// not verified; the server remains the authority on validity.
func (m *Manager) Expiry() (time.Time, error) {
	token := m.AccessToken()
	if token == "" {
		return time.Time{}, ErrNotAuthenticated
	}
	return tokenExpiry(token)
}

// NeedsRenewal reports whether the access token expires within skew of now.
// Tokens without a readable expiry never need proactive renewal.
func (m *Manager) NeedsRenewal(now time.Time, skew time.Duration) bool {
	exp, err := m.Expiry()
	if err != nil {
		return false
	}
	return !now.Add(skew).Before(exp)
}

func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
