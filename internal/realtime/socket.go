package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one established duplex channel.
type Socket interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Receive blocks for the next frame. Once the socket has closed, for any
	// reason, it returns the close cause.
	Receive() ([]byte, error)

	// Close closes the socket. Pending Receive calls return ErrSocketClosed.
	Close() error
}

// Dialer opens sockets. A Connection dials once per connect attempt.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// SocketConfig configures websocket sockets.
type SocketConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max silence before the socket is considered stale
	WriteTimeout     time.Duration // Write deadline for sends
}

// DefaultSocketConfig returns sensible defaults.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// WSDialer dials gorilla websocket sockets.
type WSDialer struct {
	cfg    SocketConfig
	logger *slog.Logger
}

// NewWSDialer creates a websocket dialer.
func NewWSDialer(cfg SocketConfig, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	s := &wsSocket{
		cfg:      d.cfg,
		logger:   d.logger,
		conn:     conn,
		inbox:    newInbox(64),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	// Server pings get a pong; both directions count as liveness.
	conn.SetPingHandler(func(data string) error {
		s.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	go s.readLoop()
	if d.cfg.PingInterval > 0 {
		go s.heartbeatLoop()
	}

	d.logger.Debug("websocket connected", "url", url)
	return s, nil
}

type wsSocket struct {
	cfg    SocketConfig
	logger *slog.Logger
	conn   *websocket.Conn
	inbox  *inbox

	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	err      error // first close cause
	done     chan struct{}
}

func (s *wsSocket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Receive() ([]byte, error) {
	if data, ok := s.inbox.pop(); ok {
		return data, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.err
}

func (s *wsSocket) Close() error {
	if !s.fail(ErrSocketClosed) {
		return nil
	}

	s.writeMu.Lock()
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}

// fail records the close cause and wakes the consumer. Returns false if the
// socket had already failed.
func (s *wsSocket) fail(err error) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.inbox.close()
	return true
}

func (s *wsSocket) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *wsSocket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		s.touch()
		s.inbox.push(data)
	}
}

// heartbeatLoop pings the server and fails the socket when it goes silent.
func (s *wsSocket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
			}

			s.mu.Lock()
			lastSeen := s.lastSeen
			s.mu.Unlock()

			if s.cfg.PingTimeout > 0 && time.Since(lastSeen) > s.cfg.PingTimeout {
				s.logger.Warn("no traffic received, connection stale",
					"last_seen", lastSeen,
					"timeout", s.cfg.PingTimeout,
				)
				if s.fail(ErrStaleConnection) {
					s.conn.Close()
				}
				return
			}
		}
	}
}
