package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/sirupsen/logrus"
)

const (
	writeWait = 10 * time.Second
	// The server pings well inside this window; silence beyond it means the
	// connection is dead.
	readWait = 90 * time.Second
)

// ErrNotConnected is returned by Send while no connection is up
var ErrNotConnected = errors.New("realtime channel not connected")

// Handler receives every event pushed by the server
type Handler func(ctx context.Context, env *messages.Envelope)

// Listener is told about connection state transitions
type Listener interface {
	Connected(ctx context.Context)
	Disconnected(ctx context.Context)
}

// Options configures a Client
type Options struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	// MaxAttempts is the number of consecutive failed dials after which
	// listeners are told the channel is down. Dialing continues afterwards.
	MaxAttempts int
	// NewBackOff builds the reconnect schedule; defaults to exponential.
	NewBackOff func() backoff.BackOff
	// MinUptime is how long a connection must last before a drop redials
	// at once. Shorter connections count as failures and back off.
	MinUptime time.Duration
	Logger     logrus.FieldLogger
}

// Client is the dashboard side of the realtime channel. Run keeps a single
// connection alive, reconnecting with backoff until its context ends.
type Client struct {
	opts    Options
	handler Handler
	log     *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	listeners []Listener
}

// NewClient creates a realtime client that dispatches events to handler
func NewClient(opts Options, handler Handler) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.MinUptime <= 0 {
		opts.MinUptime = 10 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return &Client{
		opts:    opts,
		handler: handler,
		log:     logging.Component(opts.Logger, "realtime"),
	}
}

// AddListener registers a connection state listener. Call before Run.
func (c *Client) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Connected reports whether a connection is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials, reads and redials until ctx is cancelled. It always returns
// ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	b := c.opts.NewBackOff()
	failures := 0

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			c.log.WithError(err).WithField("attempt", failures).Warn("realtime connect failed")
			if failures == c.opts.MaxAttempts {
				c.notify(ctx, false)
			}
			if !sleep(ctx, b.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}

		failures = 0
		connectedAt := time.Now()
		c.setConn(conn)
		c.log.Info("realtime connected")
		c.notify(ctx, true)

		err = c.readLoop(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		uptime := time.Since(connectedAt)
		if uptime >= c.opts.MinUptime {
			b.Reset()
			c.log.WithError(err).Warn("realtime connection lost")
			continue
		}
		wait := b.NextBackOff()
		c.log.WithError(err).WithField("uptime", uptime).WithField("retry_in", wait).Warn("realtime connection dropped early")
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Closing the connection unblocks ReadJSON when ctx ends
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var env messages.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if c.handler != nil {
			c.handler(ctx, &env)
		}
	}
}

// Send emits an event to the server
func (c *Client) Send(eventType string, payload interface{}) error {
	env, err := messages.New(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", eventType, err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) notify(ctx context.Context, connected bool) {
	c.mu.Lock()
	listeners := append([]Listener{}, c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		if connected {
			l.Connected(ctx)
		} else {
			l.Disconnected(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = 30 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
