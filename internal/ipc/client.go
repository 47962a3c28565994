package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotConnected     = errors.New("ipc client not connected")
	ErrConnectionClosed = errors.New("ipc connection closed")
	ErrRequestTimeout   = errors.New("ipc request timeout")
	ErrClientClosed     = errors.New("ipc client closed")
)

// ClientConfig tunes reconnect behaviour. Zero values take the defaults.
type ClientConfig struct {
	SocketPath     string
	ReconnectBase  time.Duration // default 5s
	ReconnectMax   time.Duration // default 60s
	MaxAttempts    int           // default 300
	RequestTimeout time.Duration // default per-call fallback, 10s
}

func (c *ClientConfig) fillDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 300
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

type pendingCall struct {
	ch       chan *Response
	deadline time.Time
}

// Client is a framed request/response client over a unix domain socket.
// Requests go out in FIFO order per socket; responses are matched by id.
// While disconnected, requests fail fast with ErrNotConnected; on socket
// close, every pending request is rejected with ErrConnectionClosed.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool
	pending   map[string]*pendingCall

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client; Connect or Run must be called before use.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		logger:  logger.Named("ipc_client"),
		pending: make(map[string]*pendingCall),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the socket once and starts the read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.connected {
		return nil
	}
	conn, err := net.Dial("unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.SocketPath, err)
	}
	c.conn = conn
	c.connected = true

	c.wg.Add(1)
	go c.readLoop(conn)

	c.logger.Info("connected", zap.String("socket", c.cfg.SocketPath))
	return nil
}

// Run connects with exponential backoff and keeps reconnecting until the
// client is closed or the attempt cap is reached.
func (c *Client) Run() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		attempt := 0
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
			}

			if c.IsConnected() {
				time.Sleep(time.Second)
				continue
			}

			if err := c.Connect(); err != nil {
				attempt++
				if attempt >= c.cfg.MaxAttempts {
					c.logger.Error("reconnect attempts exhausted",
						zap.Int("attempts", attempt), zap.Error(err))
					return
				}
				delay := c.backoff(attempt)
				c.logger.Warn("reconnect failed",
					zap.Int("attempt", attempt),
					zap.Duration("retry_in", delay),
					zap.Error(err))
				select {
				case <-time.After(delay):
				case <-c.ctx.Done():
					return
				}
				continue
			}
			attempt = 0
		}
	}()
}

// backoff is base*2^(attempt-1) for the 1-based attempt number, plus up to 1s
// of jitter, capped at max.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 1; i < attempt && d < c.cfg.ReconnectMax; i++ {
		d *= 2
	}
	d += time.Duration(rand.Int63n(int64(time.Second)))
	if d > c.cfg.ReconnectMax {
		d = c.cfg.ReconnectMax
	}
	return d
}

// IsConnected reports the current socket state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Request sends a message and waits for its response or the timeout. A zero
// timeout takes the configured default.
func (c *Client) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	call := &pendingCall{ch: make(chan *Response, 1), deadline: time.Now().Add(timeout)}
	c.pending[msg.ID] = call

	data, err := json.Marshal(msg)
	if err != nil {
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	// Write under the lock: requests are issued in FIFO order per socket.
	if err := WriteFrame(conn, data); err != nil {
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		c.dropConnection(conn)
		return nil, fmt.Errorf("write request: %w", err)
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-call.ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s after %v", ErrRequestTimeout, msg.Type, msg.Action, timeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// readLoop reads response frames and completes pending calls by id.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			c.dropConnection(conn)
			return
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.logger.Warn("undecodable response frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("unmatched response id, discarding", zap.String("id", resp.ID))
			continue
		}
		call.ch <- &resp
	}
}

// dropConnection closes the socket and rejects every pending request.
func (c *Client) dropConnection(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	conn.Close()
	for _, call := range pending {
		close(call.ch)
	}
	if len(pending) > 0 {
		c.logger.Warn("connection lost, rejected pending requests", zap.Int("pending", len(pending)))
	}
}

// Close shuts the client down and rejects all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.dropConnection(conn)
	}
	c.wg.Wait()
	return nil
}
