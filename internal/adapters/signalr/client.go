package signalr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/1a55y/TradingBot/internal/ports"
)

// ConnState is the connection lifecycle state of a hub client.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
)

// String returns the state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds configuration for a hub client.
type Config struct {
	Name            string // hub name used in logs, e.g. "market"
	URL             string // wss hub URL without credentials
	Token           string // passed as access_token query parameter
	Logger          ports.Logger
	ConnectAttempts int           // immediate-retry budget inside Connect
	ReconnectMin    time.Duration // backoff floor
	ReconnectMax    time.Duration // backoff cap
	KeepAlive       time.Duration // client ping after this much write idle
	HandshakeTO     time.Duration // per-attempt handshake deadline
}

// Client is a persistent SignalR JSON-protocol hub connection over a
// raw WebSocket. It owns the wire connection, the handshake, the
// durable subscription set and the reconnect loop; network errors are
// retried internally with backoff and never surfaced to callers.
//
// Callers must assume data loss across a reconnect: nothing is buffered
// for the gap. The OnReady callback fires after each successful
// (re)connect once every subscription has been replayed, and is the
// hook for authoritative re-fetch.
type Client struct {
	cfg    Config
	logger ports.Logger
	boff   *backoff.Backoff
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	attempts int // consecutive failed reconnect attempts
	subs     map[string]ports.Subscription
	handlers map[string][]ports.EventHandler
	readyFns []func(reconnect bool)
	lastSend time.Time
	stopCh   chan struct{}
	stopped  bool
}

// New creates a hub client. It does not dial; call Connect.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SignalR client")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: hub URL is required", ports.ErrConfigurationError)
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.HandshakeTO <= 0 {
		cfg.HandshakeTO = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		boff: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
			Jitter: true,
		},
		dialer:   websocket.DefaultDialer,
		state:    StateDisconnected,
		subs:     make(map[string]ports.Subscription),
		handlers: make(map[string][]ports.EventHandler),
		stopCh:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers a handler for a server push target. Multiple
// handlers per target run in registration order.
func (c *Client) OnEvent(target string, handler ports.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = append(c.handlers[target], handler)
}

// OnReady registers a callback fired after every successful
// (re)connect, once the full subscription set has been replayed.
func (c *Client) OnReady(fn func(reconnect bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyFns = append(c.readyFns, fn)
}

// Connect dials and performs the handshake, retrying immediately up to
// the configured budget. On success the read loop and keep-alive timer
// start and every queued subscription is replayed. After Connect
// returns nil the reconnect loop owns connection churn until Stop.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ports.ErrContextCanceled, err)
		}
		c.logger.Info(ctx, "Connecting to hub", map[string]interface{}{
			"hub": c.cfg.Name, "attempt": attempt,
		})
		if err := c.establish(ctx, false); err != nil {
			lastErr = err
			c.logger.Warn(ctx, "Hub connection attempt failed", map[string]interface{}{
				"hub": c.cfg.Name, "attempt": attempt, "error": err.Error(),
			})
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: hub %s after %d attempts: %w",
		ports.ErrConnectionFailed, c.cfg.Name, c.cfg.ConnectAttempts, lastErr)
}

// Stop tears the connection down and halts reconnection. Safe to call
// more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe adds to the durable set and invokes immediately when
// connected. A send failure is not fatal: the subscription stays in the
// set and is replayed on the next successful connect.
func (c *Client) Subscribe(ctx context.Context, sub ports.Subscription) error {
	c.mu.Lock()
	c.subs[sub.Key()] = sub
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		c.logger.Debug(ctx, "Subscription queued until connect", map[string]interface{}{
			"hub": c.cfg.Name, "target": sub.Target,
		})
		return nil
	}
	if err := c.send(invocation{Type: typeInvocation, Target: sub.Target, Arguments: []any{sub.Argument}}); err != nil {
		c.logger.Warn(ctx, "Subscribe send failed, will replay on reconnect", map[string]interface{}{
			"hub": c.cfg.Name, "target": sub.Target, "error": err.Error(),
		})
	}
	return nil
}

// Unsubscribe removes from the durable set and, if connected, sends the
// unsubscribe invocation.
func (c *Client) Unsubscribe(ctx context.Context, sub ports.Subscription) error {
	c.mu.Lock()
	delete(c.subs, sub.Key())
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || sub.Untarget == "" {
		return nil
	}
	if err := c.send(invocation{Type: typeInvocation, Target: sub.Untarget, Arguments: []any{sub.Argument}}); err != nil {
		c.logger.Warn(ctx, "Unsubscribe send failed", map[string]interface{}{
			"hub": c.cfg.Name, "target": sub.Untarget, "error": err.Error(),
		})
	}
	return nil
}

// Subscriptions returns a copy of the durable subscription set.
func (c *Client) Subscriptions() []ports.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// establish dials, handshakes, replays subscriptions and starts the
// read loop. reconnect marks whether this is connection churn rather
// than the first connect.
func (c *Client) establish(ctx context.Context, reconnect bool) error {
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ports.ErrConnectionFailed, err)
	}

	c.setState(StateHandshaking)
	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return ports.ErrClientStopped
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.lastSend = time.Now()
	c.mu.Unlock()
	c.boff.Reset()

	c.replaySubscriptions(ctx)

	go c.readLoop(conn)
	go c.keepAliveLoop(conn)

	c.mu.Lock()
	ready := append([]func(bool){}, c.readyFns...)
	c.mu.Unlock()
	for _, fn := range ready {
		fn(reconnect)
	}

	c.logger.Info(ctx, "Hub connected", map[string]interface{}{
		"hub": c.cfg.Name, "reconnect": reconnect, "subscriptions": len(c.Subscriptions()),
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("access_token", c.cfg.Token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTO)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	return conn, err
}

// handshake sends {"protocol":"json","version":1} and requires a
// non-error acknowledgement frame before the connection is usable.
// Any refusal or malformed reply is a protocol error, fatal to this
// attempt only.
func (c *Client) handshake(conn *websocket.Conn) error {
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return fmt.Errorf("%w: encoding handshake: %w", ports.ErrProtocol, err)
	}
	deadline := time.Now().Add(c.cfg.HandshakeTO)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: writing handshake: %w", ports.ErrConnectionFailed, err)
	}

	_ = conn.SetReadDeadline(deadline)
	var fb frameBuffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: reading handshake ack: %w", ports.ErrConnectionFailed, err)
		}
		frames := fb.Feed(data)
		if len(frames) == 0 {
			continue // partial frame, keep reading
		}
		var resp handshakeResponse
		if err := json.Unmarshal(frames[0], &resp); err != nil {
			return fmt.Errorf("%w: malformed handshake ack: %w", ports.ErrProtocol, err)
		}
		if resp.Error != "" {
			return fmt.Errorf("%w: handshake refused: %s", ports.ErrProtocol, resp.Error)
		}
		_ = conn.SetReadDeadline(time.Time{})
		return nil
	}
}

// replaySubscriptions re-sends the entire durable set. Runs after every
// successful connect so subscription state survives reconnects.
func (c *Client) replaySubscriptions(ctx context.Context) {
	for _, sub := range c.Subscriptions() {
		if err := c.send(invocation{Type: typeInvocation, Target: sub.Target, Arguments: []any{sub.Argument}}); err != nil {
			c.logger.Warn(ctx, "Subscription replay failed", map[string]interface{}{
				"hub": c.cfg.Name, "target": sub.Target, "error": err.Error(),
			})
			return // connection is going down, the next reconnect replays again
		}
	}
}

// send marshals one frame and writes it. Serialized by the client
// mutex; gorilla allows a single concurrent writer.
func (c *Client) send(v any) error {
	frame, err := encodeFrame(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != StateConnected {
		return ports.ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTO))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	c.lastSend = time.Now()
	return nil
}

// readLoop drains the socket until it errors, dispatching complete
// frames. Any read error hands off to the reconnect loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	var fb frameBuffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnectionLost(ctx, conn, err)
			return
		}
		for _, frame := range fb.Feed(data) {
			c.dispatch(ctx, frame)
		}
	}
}

// dispatch decodes one frame and routes it. Malformed frames are
// dropped and logged, never fatal to the connection.
func (c *Client) dispatch(ctx context.Context, frame []byte) {
	var msg hubMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn(ctx, "Dropping malformed frame", map[string]interface{}{
			"hub": c.cfg.Name, "bytes": len(frame), "error": err.Error(),
		})
		return
	}

	switch msg.Type {
	case typeInvocation:
		c.mu.Lock()
		handlers := append([]ports.EventHandler{}, c.handlers[msg.Target]...)
		c.mu.Unlock()
		if len(handlers) == 0 {
			c.logger.Debug(ctx, "No handler for hub target", map[string]interface{}{
				"hub": c.cfg.Name, "target": msg.Target,
			})
			return
		}
		for _, h := range handlers {
			h(msg.Arguments)
		}
	case typePing:
		// Answer server pings in kind.
		if err := c.send(hubMessage{Type: typePing}); err != nil {
			c.logger.Debug(ctx, "Pong send failed", map[string]interface{}{
				"hub": c.cfg.Name, "error": err.Error(),
			})
		}
	case typeCompletion:
		if msg.Error != "" {
			c.logger.Warn(ctx, "Hub completion error", map[string]interface{}{
				"hub": c.cfg.Name, "error": msg.Error,
			})
		}
	case typeClose:
		c.logger.Warn(ctx, "Hub sent close frame", map[string]interface{}{
			"hub": c.cfg.Name, "error": msg.Error,
		})
	default:
		c.logger.Debug(ctx, "Ignoring hub message", map[string]interface{}{
			"hub": c.cfg.Name, "type": msg.Type,
		})
	}
}

// keepAliveLoop sends a client ping when the write side has been idle
// past the configured interval, to avoid server-side idle disconnects.
func (c *Client) keepAliveLoop(conn *websocket.Conn) {
	interval := c.cfg.KeepAlive / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn && c.state == StateConnected
			idle := time.Since(c.lastSend)
			c.mu.Unlock()
			if !current {
				return
			}
			if idle < c.cfg.KeepAlive {
				continue
			}
			if err := c.send(hubMessage{Type: typePing}); err != nil {
				c.logger.Debug(context.Background(), "Keep-alive send failed", map[string]interface{}{
					"hub": c.cfg.Name, "error": err.Error(),
				})
				return
			}
		}
	}
}

// onConnectionLost transitions to reconnecting unless the client was
// stopped, then runs the backoff-driven reconnect loop until a connect
// succeeds or Stop is called.
func (c *Client) onConnectionLost(ctx context.Context, conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.stopped || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	c.mu.Unlock()

	c.logger.Warn(ctx, "Hub connection lost, reconnecting", map[string]interface{}{
		"hub": c.cfg.Name, "error": cause.Error(),
	})

	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := c.boff.Duration()
		c.logger.Info(ctx, "Reconnect backoff", map[string]interface{}{
			"hub": c.cfg.Name, "attempt": attempt, "delay": delay.String(),
		})
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		if err := c.establish(ctx, true); err != nil {
			if err == ports.ErrClientStopped {
				return
			}
			c.logger.Warn(ctx, "Reconnect attempt failed", map[string]interface{}{
				"hub": c.cfg.Name, "attempt": attempt, "error": err.Error(),
			})
			continue
		}
		return
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
