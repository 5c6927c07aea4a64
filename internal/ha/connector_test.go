package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

// scriptedConn replays a fixed sequence of server frames. Once the script
// is exhausted ReadMessage blocks until the connection is closed. pingErr,
// when set, fails every control-frame write.
type scriptedConn struct {
	reads   chan []byte
	pingErr error

	mu     sync.Mutex
	writes []map[string]any

	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedConn(frames ...string) *scriptedConn {
	c := &scriptedConn{
		reads:  make(chan []byte, len(frames)),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.reads <- []byte(f)
	}
	return c
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.reads:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *scriptedConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, m)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) WriteControl(int, []byte, time.Time) error { return c.pingErr }

func (c *scriptedConn) SetReadDeadline(time.Time) error   { return nil }
func (c *scriptedConn) SetPongHandler(func(string) error) {}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		if t, ok := w["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

// scriptDialer hands out one scripted connection per dial and fails once
// the script list runs dry.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptedConn
	dials int
}

func (d *scriptDialer) dial(_ context.Context, _ string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("no upstream")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestConnector(t *testing.T, d *scriptDialer, reg *Registry) *Connector {
	t.Helper()
	c, err := NewConnector(ConnectorConfig{
		BaseURL:      "http://ha.local:8123",
		Token:        "secret",
		PingInterval: time.Hour, // keep pings out of the scripts
		BackoffInit:  time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
	}, reg)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	c.dial = d.dial
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeriveWSURL(t *testing.T) {
	cases := []struct {
		base, want string
		wantErr    bool
	}{
		{base: "http://ha.local:8123", want: "ws://ha.local:8123/api/websocket"},
		{base: "https://ha.example.com", want: "wss://ha.example.com/api/websocket"},
		{base: "https://ha.example.com/", want: "wss://ha.example.com/api/websocket"},
		{base: "ftp://ha.local", wantErr: true},
	}
	for _, tc := range cases {
		got, err := deriveWSURL(tc.base)
		if tc.wantErr {
			if err == nil {
				t.Errorf("deriveWSURL(%q): expected error", tc.base)
			}
			continue
		}
		if err != nil {
			t.Errorf("deriveWSURL(%q): %v", tc.base, err)
			continue
		}
		if got != tc.want {
			t.Errorf("deriveWSURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestConnector_AuthRejectionHaltsPermanently(t *testing.T) {
	d := &scriptDialer{conns: []*scriptedConn{
		newScriptedConn(`{"type":"auth_required"}`, `{"type":"auth_invalid"}`),
	}}
	reg := NewRegistry(&stubSource{}, 4)
	c := newTestConnector(t, d, reg)

	c.Start()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not halt on auth rejection")
	}
	if got := c.State(); got != StateAuthFailedPermanent {
		t.Fatalf("state = %s, want auth_failed", got)
	}
	if d.dialCount() != 1 {
		t.Fatalf("reconnected %d times after a credential rejection", d.dialCount()-1)
	}
	if c.Healthy() {
		t.Fatal("halted connector reports healthy")
	}
}

func TestConnector_StreamsAndDispatchesEvents(t *testing.T) {
	conn := newScriptedConn(
		`{"type":"auth_required"}`,
		`{"type":"auth_ok"}`,
		`{"id":1,"type":"result","success":true}`,
		// Valid event.
		`{"type":"event","event":{"data":{"new_state":{"entity_id":"light.a","state":"on"}}}}`,
		// Skipped: malformed JSON, deleted entity, foreign type, missing id.
		`{not json`,
		`{"type":"event","event":{"data":{"new_state":null}}}`,
		`{"type":"pong"}`,
		`{"type":"event","event":{"data":{"new_state":{"state":"on"}}}}`,
		// Second valid event.
		`{"type":"event","event":{"data":{"new_state":{"entity_id":"switch.b","state":"off"}}}}`,
	)
	d := &scriptDialer{conns: []*scriptedConn{conn}}

	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a", "switch.b"}}}
	reg := NewRegistry(src, 16)
	sub, err := reg.Subscribe(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c := newTestConnector(t, d, reg)
	c.Start()

	waitFor(t, "streaming", func() bool { return c.Healthy() })

	var got []Event
	waitFor(t, "both events", func() bool {
		got = append(got, drain(sub)...)
		n := 0
		for _, ev := range got {
			if ev.Type == EventStateChange {
				n++
			}
		}
		return n == 2
	})

	var reconnects, changes int
	for _, ev := range got {
		switch ev.Type {
		case EventReconnected:
			reconnects++
		case EventStateChange:
			changes++
		}
	}
	if reconnects != 1 {
		t.Fatalf("got %d reconnected broadcasts in one cycle, want 1", reconnects)
	}
	if changes != 2 {
		t.Fatalf("got %d state changes, want 2 (junk frames not skipped?)", changes)
	}

	types := conn.sentTypes()
	if len(types) != 2 || types[0] != "auth" || types[1] != "subscribe_events" {
		t.Fatalf("handshake frames = %v", types)
	}

	conn.Close()
	if err := c.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConnector_FailedPingTearsDownSession(t *testing.T) {
	streaming := newScriptedConn(
		`{"type":"auth_required"}`,
		`{"type":"auth_ok"}`,
		`{"id":1,"type":"result","success":true}`,
	)
	streaming.pingErr = errors.New("broken pipe")
	d := &scriptDialer{conns: []*scriptedConn{
		streaming,
		// Second cycle halts so the test has a stable end state.
		newScriptedConn(`{"type":"auth_required"}`, `{"type":"auth_invalid"}`),
	}}
	reg := NewRegistry(&stubSource{}, 4)
	c := newTestConnector(t, d, reg)
	c.cfg.PingInterval = 5 * time.Millisecond

	c.Start()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dead connection was never torn down")
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2 (failed ping must end the session)", d.dialCount())
	}
	if c.Healthy() {
		t.Fatal("connector still reports healthy after the stream died")
	}
}

func TestConnector_StopUnblocksIdleStream(t *testing.T) {
	conn := newScriptedConn(
		`{"type":"auth_required"}`,
		`{"type":"auth_ok"}`,
		`{"id":1,"type":"result","success":true}`,
	)
	d := &scriptDialer{conns: []*scriptedConn{conn}}
	reg := NewRegistry(&stubSource{}, 4)
	c := newTestConnector(t, d, reg)

	c.Start()
	waitFor(t, "streaming", func() bool { return c.Healthy() })
	// No frames left: the read loop is parked. Stop must still return.
	if err := c.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop while idle: %v", err)
	}
}

func TestConnector_EventsDeliveredInOrder(t *testing.T) {
	const n = 200
	frames := []string{
		`{"type":"auth_required"}`,
		`{"type":"auth_ok"}`,
		`{"id":1,"type":"result","success":true}`,
	}
	for i := 0; i < n; i++ {
		frames = append(frames, fmt.Sprintf(
			`{"type":"event","event":{"data":{"new_state":{"entity_id":"light.a","state":"%d"}}}}`, i))
	}
	conn := newScriptedConn(frames...)
	d := &scriptDialer{conns: []*scriptedConn{conn}}

	src := &stubSource{byToken: map[string][]string{"tok1": {"light.a"}}}
	reg := NewRegistry(src, n+8)
	sub, err := reg.Subscribe(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c := newTestConnector(t, d, reg)
	c.Start()

	var states []string
	waitFor(t, "all events", func() bool {
		for _, ev := range drain(sub) {
			if ev.Type != EventStateChange {
				continue
			}
			var s struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(ev.State, &s); err != nil {
				t.Fatalf("bad event payload: %v", err)
			}
			states = append(states, s.State)
		}
		return len(states) == n
	})
	for i, got := range states {
		if got != strconv.Itoa(i) {
			t.Fatalf("event %d delivered as state %q, stream reordered", i, got)
		}
	}

	conn.Close()
	if err := c.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConnector_SubscriptionRejectionIsTransient(t *testing.T) {
	d := &scriptDialer{conns: []*scriptedConn{
		// First cycle: handshake fine, subscription rejected.
		newScriptedConn(
			`{"type":"auth_required"}`,
			`{"type":"auth_ok"}`,
			`{"id":1,"type":"result","success":false}`,
		),
		// Second cycle halts so the test has a stable end state.
		newScriptedConn(`{"type":"auth_required"}`, `{"type":"auth_invalid"}`),
	}}
	reg := NewRegistry(&stubSource{}, 4)
	c := newTestConnector(t, d, reg)

	c.Start()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not finish the script")
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2 (rejection must trigger a reconnect)", d.dialCount())
	}
}

func TestConnector_StopWithoutStartIsNoop(t *testing.T) {
	reg := NewRegistry(&stubSource{}, 4)
	c := newTestConnector(t, &scriptDialer{}, reg)
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}
