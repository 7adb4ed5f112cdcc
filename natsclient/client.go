// Package natsclient provides a managed NATS connection for the meta
// message transport: connect with retry, subscription tracking, and
// connection state reporting.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/metric"
	"github.com/dls-controls/odin-data/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
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
	default:
		return "unknown"
	}
}

// Client manages a NATS connection and its subscriptions.
type Client struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics
	status  atomic.Int32

	conn *nats.Conn
	subs []*nats.Subscription

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	username string
	password string
	token    string

	onDisconnect func(error)
	onReconnect  func()

	mu sync.Mutex
}

// Option is a functional option for configuring the Client
type Option func(*Client)

// WithLogger sets the client's logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics enables connection metric recording
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithPingInterval sets the ping interval for connection health checks
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithTimeout sets the connection timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithName sets the client name reported to the server
func WithName(name string) Option {
	return func(c *Client) { c.clientName = name }
}

// WithCredentials sets username and password authentication
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithToken sets token authentication
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDisconnectCallback sets a callback for disconnection events
func WithDisconnectCallback(fn func(error)) Option {
	return func(c *Client) { c.onDisconnect = fn }
}

// WithReconnectCallback sets a callback for reconnection events
func WithReconnectCallback(fn func()) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "natsclient")
	return c
}

// URL returns the server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(int32(status))
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(status == StatusConnected)
	}
}

// IsConnected reports whether the connection is live
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection, retrying with exponential backoff
// until the context is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	opts := c.buildConnectionOptions()
	err := retry.Do(ctx, retry.Persistent(), func() error {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			c.logger.Warn("NATS connection attempt failed", "error", err)
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Subscribe subscribes to a subject. Subscriptions are tracked and drained
// on Close.
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Subscribe", "check connection")
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}
	c.subs = append(c.subs, sub)
	c.logger.Debug("Subscribed", "subject", subject)
	return nil
}

// QueueSubscribe subscribes as a member of a queue group, ensuring each
// message is delivered to one member only.
func (c *Client) QueueSubscribe(subject, queue string, handler func(*nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "QueueSubscribe", "check connection")
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return errors.WrapTransient(err, "Client", "QueueSubscribe", "subscribe to "+subject)
	}
	c.subs = append(c.subs, sub)
	c.logger.Debug("Subscribed", "subject", subject, "queue", queue)
	return nil
}

// Close unsubscribes everything and drains the connection. Closing an
// unconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil

	err := c.conn.Drain()
	c.conn = nil
	c.setStatus(StatusDisconnected)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Close", "drain connection")
	}
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	if c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.logger.Info("NATS connection closed")
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}
