// Package wspush delivers push messages over a websocket and keeps the
// connection alive with pings and automatic reconnection.
package wspush

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/backoff"
	"github.com/zeusync/livesync/internal/core/sync/push"
)

// Config holds configuration for the push client
type Config struct {
	URL   string
	Token string

	HandshakeTimeout time.Duration
	// Reconnect delays grow from ReconnectInterval up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// MaxReconnectAttempts of zero retries forever.
	MaxReconnectAttempts int

	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: 30 * time.Second,
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		MaxMessageSize:       1 << 20,
	}
}

// Client implements push.Client. Handlers run on the reader goroutine, one
// message at a time, so delivery order matches arrival order.
type Client struct {
	config Config
	dialer *websocket.Dialer
	policy backoff.Policy
	logger log.Log

	handlers     map[push.EventType]push.Handler
	handlerMutex sync.RWMutex

	connMutex sync.Mutex
	conn      *websocket.Conn

	started   atomic.Bool
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	workerGroup sync.WaitGroup
}

var _ push.Client = (*Client)(nil)

func New(config Config, logger log.Log) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = def.ReconnectInterval
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = def.PongTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Client{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		policy: backoff.Policy{
			Base:        config.ReconnectInterval,
			Max:         config.MaxReconnectInterval,
			Jitter:      0.2,
			MaxAttempts: config.MaxReconnectAttempts,
		},
		logger:   logger.With(log.String("component", "wspush")),
		handlers: make(map[push.EventType]push.Handler),
		done:     make(chan struct{}),
	}, nil
}

func (c *Client) On(event push.EventType, handler push.Handler) {
	c.handlerMutex.Lock()
	c.handlers[event] = handler
	c.handlerMutex.Unlock()
}

func (c *Client) Off(event push.EventType) {
	c.handlerMutex.Lock()
	delete(c.handlers, event)
	c.handlerMutex.Unlock()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect dials the server. Once connected, the client reads and reconnects
// in the background until ctx is done or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		c.logger.Error("Failed to connect to push server", log.String("url", c.config.URL), log.Error(err))
		return err
	}

	c.workerGroup.Add(2)
	go func() {
		defer c.workerGroup.Done()
		c.run(ctx, conn)
	}()
	go func() {
		defer c.workerGroup.Done()
		select {
		case <-ctx.Done():
			c.closeConn()
		case <-c.done:
		}
	}()
	return nil
}

// Close shuts the connection and waits for the background workers.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.closeConn()
	c.workerGroup.Wait()
	c.logger.Info("Push client closed")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(c.config.MaxMessageSize)

	c.connMutex.Lock()
	if c.closed.Load() {
		c.connMutex.Unlock()
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	c.conn = conn
	c.connMutex.Unlock()

	c.connected.Store(true)
	c.logger.Info("Connected to push server", log.String("remote_addr", conn.RemoteAddr().String()))
	c.emit(push.Event{Type: push.EventConnectionChange, Connected: true})
	return conn, nil
}

func (c *Client) closeConn() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
}

// run reads from conn and replaces it whenever it drops.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := c.read(conn)
		c.connected.Store(false)

		if c.closed.Load() || ctx.Err() != nil {
			c.emit(push.Event{Type: push.EventConnectionChange, Connected: false})
			return
		}
		c.logger.Warn("Push connection lost, reconnecting", log.Error(err))
		c.emit(push.Event{Type: push.EventConnectionChange, Connected: false, Err: err})

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 0; !c.policy.Exhausted(attempt); attempt++ {
		if err := backoff.Wait(ctx, c.policy.Delay(attempt)); err != nil {
			return nil
		}
		if c.closed.Load() {
			return nil
		}
		conn, err := c.dial(ctx)
		if err == nil {
			c.logger.Info("Reconnected to push server", log.Int("attempt", attempt+1))
			return conn
		}
		c.logger.Warn("Reconnection failed", log.Int("attempt", attempt+1), log.Error(err))
	}
	c.logger.Error("Giving up on push server", log.Error(ErrReconnectFailed))
	return nil
}

// read delivers messages from conn until it fails.
func (c *Client) read(conn *websocket.Conn) error {
	deadline := func() time.Time {
		return time.Now().Add(c.config.PingInterval + c.config.PongTimeout)
	}
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.ping(conn, stop)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(deadline())
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.emit(push.Event{Type: push.EventMessage, Data: data})
	}
}

func (c *Client) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.connMutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.PongTimeout))
			c.connMutex.Unlock()
			if err != nil {
				c.logger.Debug("Ping failed", log.Error(err))
				return
			}
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) emit(event push.Event) {
	c.handlerMutex.RLock()
	handler := c.handlers[event.Type]
	c.handlerMutex.RUnlock()
	if handler != nil {
		handler(event)
	}
}
