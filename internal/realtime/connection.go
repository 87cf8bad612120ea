// Package realtime maintains the long-lived event channel.
//
// A Connection moves through Disconnected, Connecting, Open and Reconnecting.
// Any close the caller did not ask for schedules a reconnect with exponential
// backoff (base, 2×base, 4×base, ...) up to MaxReconnectAttempts; after that
// the connection settles in Disconnected and emits EventConnectionLost.
//
// Subscribed topics survive drops. Every time the connection reaches Open it
// replays the subscription set, in insertion order, before any other frame
// is written, so callers never observe the drop.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/syncline/internal/connectivity"
	"github.com/rickgao/syncline/internal/metrics"
	"github.com/rickgao/syncline/internal/version"
)

// TokenSource supplies the bearer token sent on the handshake.
type TokenSource interface {
	AccessToken() string
}

// StateListener observes state transitions.
type StateListener func(s State)

type stopper interface {
	Stop() bool
}

// Connection is a reconnecting realtime channel.
type Connection struct {
	cfg     Config
	dialer  Dialer
	tokens  TokenSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	events  *emitter

	connects singleflight.Group

	// writeMu orders writes; the subscription replay holds it across the
	// transition to Open.
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	sock      Socket
	gen       uint64 // bumped for every new socket and on Disconnect
	attempts  int
	wanted    bool // Connect called and not yet Disconnect
	timer     stopper
	topics    []Topic
	active    map[Topic]bool
	listeners []StateListener

	// Notifications collected under mu, delivered by unlock.
	pendingStates []State
	pendingLost   bool

	afterFunc func(d time.Duration, f func()) stopper
}

// Option configures a Connection.
type Option func(*Connection)

// WithTokenSource sends "Authorization: Bearer <token>" on every handshake.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Connection) {
		c.tokens = ts
	}
}

// WithMetrics records connection state and traffic.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// New creates a disconnected Connection.
func New(cfg Config, dialer Dialer, opts ...Option) *Connection {
	c := &Connection{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.Default(),
		active: make(map[Topic]bool),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = newEmitter(c.logger)
	c.metrics.SetConnectionState(int(StateDisconnected))
	return c
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener for state transitions.
func (c *Connection) OnStateChange(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// On registers a handler for events of eventType. The returned function
// removes it.
func (c *Connection) On(eventType string, h Handler) (dispose func()) {
	return c.events.on(eventType, h)
}

// Connect opens the channel. Concurrent calls while an attempt is in flight
// share its result. Connecting an Open connection is a no-op.
//
// A failed Connect from Disconnected returns the error and stays
// Disconnected; a failed attempt during a reconnect cycle schedules the next
// one.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateDisconnected {
		c.attempts = 0
	}
	c.wanted = true
	c.mu.Unlock()

	ch := c.connects.DoChan("connect", func() (any, error) {
		return c.dial(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		settle(res.Val)
		return res.Err
	case <-ctx.Done():
		go func() { settle((<-ch).Val) }()
		return ctx.Err()
	}
}

// settle delivers the notifications of a finished connect flight. They run
// outside the flight so listeners and handlers may call Connect themselves.
func settle(v any) {
	if notify, ok := v.(func()); ok {
		notify()
	}
}

// Disconnect closes the channel, cancels any scheduled reconnect and stops
// reconnecting until the next Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.stopTimerLocked()
	c.gen++
	sock := c.sock
	c.sock = nil
	c.attempts = 0
	c.setStateLocked(StateDisconnected)
	c.unlock()

	if sock != nil {
		sock.Close()
	}
	c.logger.Info("realtime disconnected")
}

// Send writes an application frame. It is a no-op when the connection is not
// Open; realtime frames are never queued.
func (c *Connection) Send(eventType string, payload any) error {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return nil
	}

	data, err := encodeFrame(eventType, payload)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Subscribe adds topic to the subscription set and, when Open, subscribes
// it on the wire. Subscribing an already subscribed topic does nothing.
func (c *Connection) Subscribe(topic Topic) error {
	c.mu.Lock()
	if c.active[topic] {
		c.mu.Unlock()
		return nil
	}
	c.active[topic] = true
	c.topics = append(c.topics, topic)
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open {
		return nil
	}
	return c.sendControl(topic, "subscribe")
}

// Unsubscribe removes topic from the subscription set and, when Open,
// unsubscribes it on the wire.
func (c *Connection) Unsubscribe(topic Topic) error {
	c.mu.Lock()
	if !c.active[topic] {
		c.mu.Unlock()
		return nil
	}
	delete(c.active, topic)
	for i, t := range c.topics {
		if t == topic {
			c.topics = append(c.topics[:i], c.topics[i+1:]...)
			break
		}
	}
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open {
		return nil
	}
	return c.sendControl(topic, "unsubscribe")
}

// Topics returns the subscription set in insertion order.
func (c *Connection) Topics() []Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Topic(nil), c.topics...)
}

// Watch reconnects immediately when mon reports connectivity restored while
// the connection is waiting to reconnect or has given up. The returned
// function stops watching.
func (c *Connection) Watch(mon *connectivity.Monitor) (stop func()) {
	return mon.Subscribe(func(online bool) {
		if !online {
			return
		}
		c.mu.Lock()
		retry := c.wanted && (c.state == StateReconnecting || c.state == StateDisconnected)
		c.mu.Unlock()
		if !retry {
			return
		}
		c.logger.Info("connectivity restored, reconnecting now")
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				c.logger.Warn("reconnect after connectivity restore failed", "error", err)
			}
		}()
	})
}

// dial makes one connect attempt. The returned notify delivers, exactly once,
// the state changes and events the attempt produced and then starts reading
// from the new socket.
func (c *Connection) dial(ctx context.Context) (notify func(), err error) {
	var pending []func()
	notify = sync.OnceFunc(func() {
		for _, n := range pending {
			n()
		}
	})

	c.mu.Lock()
	if !c.wanted {
		c.mu.Unlock()
		return notify, ErrDisconnected
	}
	if c.state == StateOpen {
		// A previous flight already connected.
		c.mu.Unlock()
		return notify, nil
	}
	c.stopTimerLocked()
	gen := c.gen
	c.setStateLocked(StateConnecting)
	pending = append(pending, c.release())

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if c.tokens != nil {
		if tok := c.tokens.AccessToken(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	sock, err := c.dialer.Dial(ctx, c.cfg.URL, header)

	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || !c.wanted {
		c.mu.Unlock()
		c.writeMu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return notify, ErrDisconnected
	}
	if err != nil {
		c.writeMu.Unlock()
		c.logger.Warn("realtime connect failed", "attempt", c.attempts, "error", err)
		if c.attempts > 0 {
			c.scheduleLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
		pending = append(pending, c.release())
		return notify, fmt.Errorf("dial realtime: %w", err)
	}

	c.gen++
	gen = c.gen
	c.sock = sock
	c.attempts = 0
	c.setStateLocked(StateOpen)
	topics := append([]Topic(nil), c.topics...)
	pending = append(pending, c.release())

	// Still holding writeMu: nothing else reaches the wire before the replay.
	for _, t := range topics {
		data, _ := encodeFrame(t.Channel+":subscribe", topicData{TopicID: t.ID})
		if err := sock.Send(data); err != nil {
			c.logger.Warn("subscription replay failed", "topic", t.String(), "error", err)
			break
		}
	}
	c.writeMu.Unlock()

	c.logger.Info("realtime connected", "topics", len(topics))

	pending = append(pending, func() { go c.readLoop(sock, gen) })
	return notify, nil
}

func (c *Connection) readLoop(sock Socket, gen uint64) {
	for {
		data, err := sock.Receive()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.metrics.FrameReceived()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			c.logger.Warn("ignoring malformed frame", "error", err, "size", len(data))
			continue
		}
		c.events.emit(f.Type, f.Data)
	}
}

// handleClose reacts to a socket closing. Closes of superseded sockets and
// of sockets closed by Disconnect are ignored.
func (c *Connection) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.sock = nil
	c.logger.Warn("realtime connection dropped", "error", cause)
	c.scheduleLocked()
	c.unlock()

	if sock != nil {
		sock.Close()
	}
}

// scheduleLocked arranges the next reconnect attempt, or gives up once the
// attempt cap is reached. Must be called with mu held.
func (c *Connection) scheduleLocked() {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Error("realtime reconnect attempts exhausted", "attempts", c.attempts)
		c.setStateLocked(StateDisconnected)
		c.pendingLost = true
		return
	}

	c.attempts++
	delay := c.cfg.backoff(c.attempts)
	c.setStateLocked(StateReconnecting)
	c.metrics.ReconnectAttempt()
	c.logger.Info("scheduling realtime reconnect", "attempt", c.attempts, "delay", delay)

	c.timer = c.afterFunc(delay, c.reconnect)
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	ok := c.wanted && c.state == StateReconnecting
	c.mu.Unlock()
	if !ok {
		return
	}
	v, _, _ := c.connects.Do("connect", func() (any, error) {
		return c.dial(context.Background())
	})
	settle(v)
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.pendingStates = append(c.pendingStates, s)
}

// unlock releases mu and then delivers the notifications collected while it
// was held.
func (c *Connection) unlock() {
	c.release()()
}

// release releases mu and returns a function delivering the notifications
// collected while it was held.
func (c *Connection) release() (notify func()) {
	states := c.pendingStates
	lost := c.pendingLost
	c.pendingStates = nil
	c.pendingLost = false
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	return func() {
		for _, s := range states {
			c.metrics.SetConnectionState(int(s))
			for _, l := range listeners {
				l(s)
			}
		}
		if lost {
			c.metrics.ConnectionLost()
			n := c.events.emit(EventConnectionLost, nil)
			c.logger.Warn("realtime connection lost", "handlers", n)
		}
	}
}

func (c *Connection) sendControl(t Topic, action string) error {
	data, err := encodeFrame(t.Channel+":"+action, topicData{TopicID: t.ID})
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	sock := c.sock
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || sock == nil {
		return nil
	}
	return sock.Send(data)
}

func encodeFrame(eventType string, payload any) ([]byte, error) {
	f := Frame{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}
