package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/jphacks/os-2521/config"
)

const websocketRetryDelay = 200 * time.Millisecond

// envelope is the wire format in both directions: a named event with a
// free-form payload.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client is a connected socket-channel participant. It is owned by the
// handler goroutine that accepted it and implements hub.Conn.
type Client struct {
	id     string
	conn   *websocket.Conn
	cfg    *config.WebSocketConfig
	claims *CustomClaims
	log    *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	pingTicker *time.Ticker

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded websocket connection.
func NewClient(id string, conn *websocket.Conn, cfg *config.WebSocketConfig, claims *CustomClaims, log *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		claims: claims,
		log:    log.With("conn_id", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send writes a named event to the client. Satisfies hub.Conn.
func (c *Client) Send(event string, payload any) error {
	return c.safeWriteJSON(envelope{Event: event, Data: payload})
}

// safeWriteJSON serializes concurrent writers and retries transient write
// failures with a constant backoff, bounded by maxWriteRetries.
func (c *Client) safeWriteJSON(data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	operation := func() error {
		c.conn.SetWriteDeadline(time.Now().Add(time.Duration(c.cfg.WriteTimeout) * time.Second))
		return c.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(websocketRetryDelay),
			uint64(c.cfg.MaxWriteRetries),
		),
		c.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		c.log.Warn("retrying websocket write", "error", err, "next_attempt_in", d)
	})
}

// StartPing begins the keepalive loop. The read deadline is pushed on every
// pong so a silent peer is eventually detected.
func (c *Client) StartPing() {
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.cfg.PongTimeout) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.cfg.PongTimeout) * time.Second))
	})

	c.pingTicker = time.NewTicker(time.Duration(c.cfg.PingInterval) * time.Second)
	go c.pingLoop()
}

func (c *Client) pingLoop() {
	defer c.pingTicker.Stop()
	for {
		select {
		case <-c.pingTicker.C:
			if err := c.sendPing(); err != nil {
				c.log.Warn("ping failed, closing connection", "error", err)
				c.Close(websocket.CloseInternalServerErr, "ping failure")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) sendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(
		websocket.PingMessage,
		nil,
		time.Now().Add(time.Duration(c.cfg.WriteTimeout)*time.Second),
	)
}

// Close sends a close frame and tears the connection down. Idempotent.
func (c *Client) Close(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	deadline := time.Now().Add(time.Duration(c.cfg.WriteTimeout) * time.Second)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline); err != nil {
		c.log.Debug("error sending close frame", "error", err)
	}
	return c.conn.Close()
}

// CanAccess checks whether the client's token scopes permit an action on a
// meeting. With auth disabled (nil claims) everything is allowed.
func (c *Client) CanAccess(action, meetingID string) bool {
	if c.claims == nil {
		return true
	}
	want := action + ":" + meetingID
	for _, scope := range c.claims.Scopes {
		if scope == want {
			return true
		}
		// Trailing-star scopes grant a prefix, e.g. join:team-*
		if n := len(scope); n > 0 && scope[n-1] == '*' {
			if len(want) >= n-1 && want[:n-1] == scope[:n-1] {
				return true
			}
		}
	}
	return false
}
