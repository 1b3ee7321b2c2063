// Package client is a reconnecting viewer for one session: it dials the
// gateway websocket, subscribes, and feeds server messages to a handler,
// retrying with exponential backoff across unclean disconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/signalbox/internal/actor"
)

// Fallback policy when Opts leaves the knobs zero.
const (
	defaultBaseBackoff  = time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultMaxAttempts  = 5
	defaultPingInterval = 15 * time.Second
)

// ErrConnectionLost is returned by Run when the reconnect attempt ceiling is
// exhausted. The caller decides whether to surface a manual-reconnect state.
var ErrConnectionLost = errors.New("client: connection lost, reconnect attempts exhausted")

// TokenSource re-authenticates after a gateway close code told us the
// cached token is no longer good.
type TokenSource func(ctx context.Context) (string, error)

// Opts configures a viewer client.
type Opts struct {
	URL         string // ws:// endpoint for the session
	Token       string // initial session-scoped token
	TokenSource TokenSource
	UserID      string
	Name        string
	Handler     func(actor.ServerMessage)

	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	PingInterval time.Duration
}

// Client maintains one logical subscription across physical reconnects.
type Client struct {
	opts     Opts
	clientID string

	mu    sync.Mutex
	ws    *websocket.Conn
	token string
}

// New validates opts and builds a client. Run does the actual connecting.
func New(opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	if opts.Token == "" && opts.TokenSource == nil {
		return nil, fmt.Errorf("client: token or token source is required")
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Client{opts: opts, clientID: uuid.NewString(), token: opts.Token}, nil
}

// Run connects and pumps messages until ctx is cancelled (nil return), the
// server closes cleanly (nil), or reconnection is exhausted
// (ErrConnectionLost). An auth-rejection or session-expired close discards
// the cached token and re-authenticates before the next attempt.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for attempt < c.opts.MaxAttempts {
		reauth, healthy, err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if healthy {
			// The attempt budget guards against a gateway that never comes
			// back, not against occasional drops over a long-lived watch: a
			// session that reached message flow earns a fresh budget.
			attempt = 0
		}

		if reauth {
			if c.opts.TokenSource == nil {
				return fmt.Errorf("client: token rejected and no token source configured: %w", err)
			}
			token, terr := c.opts.TokenSource(ctx)
			if terr != nil {
				return fmt.Errorf("client: re-authenticate: %w", terr)
			}
			c.mu.Lock()
			c.token = token
			c.mu.Unlock()
		}

		wait := c.backoff(attempt)
		log.Printf("client: disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, c.opts.MaxAttempts, err, wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		attempt++
	}
	return ErrConnectionLost
}

// backoff doubles the base per attempt, capped.
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.opts.BaseBackoff << attempt
	if wait > c.opts.MaxBackoff || wait <= 0 {
		wait = c.opts.MaxBackoff
	}
	return wait
}

// dialURL carries the viewer identity as query parameters so the gateway can
// build the participant entry at upgrade time.
func (c *Client) dialURL() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	q := u.Query()
	if c.opts.UserID != "" {
		q.Set("userId", c.opts.UserID)
	}
	if c.opts.Name != "" {
		q.Set("name", c.opts.Name)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// runOnce performs one dial-subscribe-pump cycle. reauth reports whether the
// failure demands re-authentication before the next attempt; healthy reports
// whether the session reached message flow before failing.
func (c *Client) runOnce(ctx context.Context) (reauth, healthy bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.dialURL(), nil)
	cancel()
	if err != nil {
		return false, false, fmt.Errorf("client: dial: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	token := c.token
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	if err := c.write(map[string]string{
		"type":     "subscribe",
		"token":    token,
		"clientId": c.clientID,
	}); err != nil {
		return false, false, fmt.Errorf("client: subscribe: %w", err)
	}

	// Heartbeat writer for half-open detection.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx)

	// Close the socket when ctx ends so the blocked read returns.
	go func() {
		<-pingCtx.Done()
		ws.Close()
	}()

	for {
		var msg actor.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return false, healthy, nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case actor.CloseAuthFailed, actor.CloseSessionExpired:
					return true, healthy, fmt.Errorf("client: closed %d: %s", ce.Code, ce.Text)
				case websocket.CloseNormalClosure, websocket.CloseGoingAway:
					return false, healthy, nil
				}
			}
			return false, healthy, fmt.Errorf("client: read: %w", err)
		}
		healthy = true
		if c.opts.Handler != nil {
			c.opts.Handler(msg)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(map[string]string{"type": "ping"}); err != nil {
				return
			}
		}
	}
}

// Prompt sends a prompt over the current connection.
func (c *Client) Prompt(content, model string) error {
	return c.write(map[string]string{"type": "prompt", "content": content, "model": model})
}

// Stop requests cancellation of the in-flight execution.
func (c *Client) Stop() error {
	return c.write(map[string]string{"type": "stop"})
}

// Typing reports viewer typing activity.
func (c *Client) Typing() error {
	return c.write(map[string]string{"type": "typing"})
}

func (c *Client) write(msg map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("client: not connected")
	}
	return c.ws.WriteJSON(msg)
}
