package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hapass/internal/metrics"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
)

// ConnState is the connector's position in its connection state machine.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	// StateAuthFailedPermanent halts reconnection: a rejected credential is
	// a configuration error, not a transient fault.
	StateAuthFailedPermanent
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateAuthFailedPermanent:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// errAuthFailed distinguishes the permanent credential rejection from every
// transient session error.
var errAuthFailed = errors.New("ha: websocket auth rejected")

// wsConn is the slice of *websocket.Conn the connector uses; tests swap in
// a scripted fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens a websocket connection to url.
type Dialer func(ctx context.Context, url string) (wsConn, error)

func gorillaDialer(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectorConfig carries the connector's knobs, all derived from the
// home_assistant config block.
type ConnectorConfig struct {
	BaseURL      string
	Token        string
	PingInterval time.Duration
	BackoffInit  time.Duration
	BackoffMax   time.Duration
}

// Connector maintains exactly one logical connection to the upstream event
// stream and turns state_changed events into registry fan-out calls. It is
// an explicitly constructed component: Start it once, Stop it on shutdown,
// and tests can run as many independent instances as they like.
type Connector struct {
	cfg      ConnectorConfig
	wsURL    string
	registry *Registry
	dial     Dialer
	log      *zap.Logger

	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

func NewConnector(cfg ConnectorConfig, registry *Registry) (*Connector, error) {
	wsURL, err := deriveWSURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.BackoffInit <= 0 {
		cfg.BackoffInit = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Connector{
		cfg:      cfg,
		wsURL:    wsURL,
		registry: registry,
		dial:     gorillaDialer,
		log:      logger.Named("ha.connector"),
	}, nil
}

// deriveWSURL maps the REST base URL onto the websocket endpoint, upgrading
// the scheme to wss when the base itself is secure.
func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("ha: invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("ha: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Start launches the background connection loop. Second calls are no-ops.
func (c *Connector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
	c.log.Info("event connector started", zap.String("url", c.wsURL))
}

// Stop cancels the loop and waits up to timeout for it to exit. On timeout
// the goroutine is abandoned rather than hung on.
func (c *Connector) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
		c.started = false
		return nil
	case <-time.After(timeout):
		return errors.New("ha: connector stop timed out")
	}
}

// Healthy reports whether events are currently flowing: the loop is alive
// and the last-known state is Streaming.
func (c *Connector) Healthy() bool {
	c.mu.Lock()
	started := c.started
	done := c.done
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	return c.State() == StateStreaming
}

func (c *Connector) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connector) setState(s ConnState) {
	c.state.Store(int32(s))
	if s == StateStreaming {
		metrics.WSConnected.Set(1)
	} else {
		metrics.WSConnected.Set(0)
	}
}

func (c *Connector) run(ctx context.Context) {
	backoff := c.cfg.BackoffInit
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, c.wsURL)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			c.log.Warn("dial failed, reconnecting",
				zap.Duration("backoff", backoff), zap.Error(err))
		} else {
			streamed, serr := c.session(ctx, conn)
			_ = conn.Close()

			if errors.Is(serr, errAuthFailed) {
				// Bad credential: retrying forever would just hammer the
				// upstream. Surface via health and stop.
				c.log.Error("upstream auth rejected, connector halted - check the configured token")
				c.setState(StateAuthFailedPermanent)
				return
			}
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			if streamed {
				// The cycle reached Streaming, so the outage starts fresh.
				backoff = c.cfg.BackoffInit
			}
			c.log.Warn("session ended, reconnecting",
				zap.Duration("backoff", backoff), zap.Error(serr))
		}

		c.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

// Upstream protocol frames.
type wsMessage struct {
	ID      int    `json:"id,omitempty"`
	Type    string `json:"type"`
	Success *bool  `json:"success,omitempty"`
	Event   struct {
		Data struct {
			NewState json.RawMessage `json:"new_state"`
		} `json:"data"`
	} `json:"event"`
}

// session drives one connection through the handshake and the read loop.
// It returns whether Streaming was reached, plus the terminating error.
func (c *Connector) session(ctx context.Context, conn wsConn) (streamed bool, err error) {
	// A half-open connection reads as silence. Every frame, pong included,
	// pushes the deadline out; a peer that answers neither data nor pings
	// within two ping intervals fails the next read.
	readWait := 2 * c.cfg.PingInterval
	resetDeadline := func() { _ = conn.SetReadDeadline(time.Now().Add(readWait)) }
	conn.SetPongHandler(func(string) error { resetDeadline(); return nil })
	resetDeadline()

	// Phase 1: the server must open with auth_required.
	msg, err := readMessage(conn)
	if err != nil {
		return false, err
	}
	if msg.Type != "auth_required" {
		return false, fmt.Errorf("ha: expected auth_required, got %q", msg.Type)
	}
	c.setState(StateAuthenticating)

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.cfg.Token,
	}); err != nil {
		return false, err
	}
	msg, err = readMessage(conn)
	if err != nil {
		return false, err
	}
	if msg.Type != "auth_ok" {
		return false, errAuthFailed
	}

	// Phase 2: subscribe to state_changed. Rejection here is transient
	// (the upstream may still be starting up), unlike a bad credential.
	c.setState(StateSubscribing)
	if err := conn.WriteJSON(map[string]any{
		"id":         1,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		return false, err
	}
	msg, err = readMessage(conn)
	if err != nil {
		return false, err
	}
	if msg.Success == nil || !*msg.Success {
		return false, fmt.Errorf("ha: event subscription rejected")
	}

	c.setState(StateStreaming)
	metrics.WSReconnects.Inc()
	c.log.Info("subscribed to state_changed events")

	// Every subscriber refetches full state: events may have been missed
	// while the connection was down. One broadcast per cycle, not per event.
	c.registry.BroadcastAll(Event{Type: EventReconnected})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	// One dispatcher per session keeps slow fan-out passes off the read
	// loop without reordering events: subscribers see state changes in the
	// order this connection received them. When the queue backs up events
	// are dropped, and clients recover on the next reconnected broadcast.
	pending := make(chan pendingEvent, dispatchQueueSize)
	defer close(pending)
	go c.dispatchLoop(pending)

	// Phase 3: read loop. Parsing failures and foreign message types are
	// skipped; only a transport error ends the session.
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		resetDeadline()
		var m wsMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.Type != "event" {
			continue
		}
		newState := m.Event.Data.NewState
		if len(newState) == 0 || string(newState) == "null" {
			continue
		}
		var ent struct {
			EntityID string `json:"entity_id"`
		}
		if err := json.Unmarshal(newState, &ent); err != nil || ent.EntityID == "" {
			continue
		}

		select {
		case pending <- pendingEvent{entityID: ent.EntityID, state: newState}:
		default:
			metrics.EventsDropped.Inc()
			c.log.Warn("dispatch queue full, dropping event", logger.EntityID(ent.EntityID))
		}
	}
}

// dispatchQueueSize bounds the hand-off between the read loop and the
// fan-out dispatcher.
const dispatchQueueSize = 256

type pendingEvent struct {
	entityID string
	state    json.RawMessage
}

func (c *Connector) dispatchLoop(pending <-chan pendingEvent) {
	for e := range pending {
		c.dispatch(e.entityID, e.state)
	}
}

func (c *Connector) dispatch(entityID string, state json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("fan-out panicked", logger.EntityID(entityID), zap.Any("panic", r))
		}
	}()
	c.registry.FanOut(entityID, state)
}

// pingLoop validates the connection from our side. Closing the conn is
// the only way to unblock a pending ReadMessage, so both exits close it:
// cancellation so the session can wind down, and a failed ping because
// the transport underneath is already gone.
func (c *Connector) pingLoop(ctx context.Context, conn wsConn) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-t.C:
			deadline := time.Now().Add(c.cfg.PingInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn("ping failed, closing connection", logger.Err(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func readMessage(conn wsConn) (*wsMessage, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m wsMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("ha: malformed handshake frame: %w", err)
	}
	return &m, nil
}
