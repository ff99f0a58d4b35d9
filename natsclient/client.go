// Package natsclient provides a thin wrapper around a NATS connection with
// status tracking and reconnect callbacks. It is the transport behind the
// notification broker's single upstream change-listening connection.
package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error variables
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrClosed       = stderrors.New("client closed")
)

// Client manages one NATS connection. Reconnection after an established
// connection drops is delegated to the nats library; the client only reports
// status transitions through callbacks.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	// Connection options
	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration

	// Callbacks
	onDisconnect func(error)
	onReconnect  func()

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: slog.Default(),
		// Sensible defaults: reconnect forever once established
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is established
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Connect establishes the NATS connection, honoring context cancellation.
// Calling Connect on an already connected client is a no-op.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.IsHealthy() {
		return nil
	}

	m.setStatus(StatusConnecting)
	m.logger.Debug("connecting to NATS", "url", m.url)

	opts := []nats.Option{
		nats.Name(m.name),
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.Timeout(m.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.setStatus(StatusReconnecting)
			m.logger.Warn("NATS disconnected", "error", err)
			if m.onDisconnect != nil {
				m.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.setStatus(StatusConnected)
			m.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			if m.onReconnect != nil {
				m.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if !m.closed.Load() {
				m.setStatus(StatusDisconnected)
			}
		}),
	}

	// nats.Connect has its own dial timeout; run it in a goroutine so the
	// caller's context can cut the wait short.
	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "dial "+m.url)
		}
		m.setStatus(StatusConnected)
		m.logger.Info("connected to NATS", "url", m.url)
		return nil
	case <-ctx.Done():
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "dial "+m.url)
	}
}

// Subscribe registers a handler for a subject. The subscription lives until
// the client is closed.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		// Per-message context so a stuck handler cannot pin the parent
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	m.subs = append(m.subs, sub)
	return nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Close drains subscriptions and closes the connection. Safe to call more
// than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)
	m.setStatus(StatusClosed)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	m.subs = nil

	if m.conn != nil {
		// Drain processes buffered messages before closing
		drainDone := make(chan error, 1)
		conn := m.conn
		go func() {
			drainDone <- conn.Drain()
		}()
		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, err)
				conn.Close()
			}
		case <-ctx.Done():
			conn.Close()
		}
		m.conn = nil
	}

	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Client", "Close", "drain connection")
	}
	return nil
}
