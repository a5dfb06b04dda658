package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ak-palla/activitysync/internal/stream"
)

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan Envelope
	written  []any
	closed   bool
	closedCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan Envelope, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.closedCh:
		return Envelope{}, errors.New("connection closed")
	case envelope, ok := <-c.inbound:
		if !ok {
			return Envelope{}, errors.New("connection closed")
		}
		return envelope, nil
	}
}

func (c *fakeConn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) writes() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.written...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	err      error
	conns    []*fakeConn
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type sinkCollector struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *sinkCollector) Submit(event stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *sinkCollector) all() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

type stateCollector struct {
	mu     sync.Mutex
	states []ConnState
}

func (s *stateCollector) record(state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *stateCollector) all() []ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnState(nil), s.states...)
}

func testManager(t *testing.T, dialer Dialer, states *stateCollector, sink EventSink) *Manager {
	t.Helper()
	opts := ManagerOptions{
		Platform:    stream.PlatformChat,
		URL:         "ws://example.invalid/ws",
		Dialer:      dialer,
		Sink:        sink,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}
	if states != nil {
		opts.OnStateChange = states.record
	}
	m := NewManager(opts)
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnectSuccess(t *testing.T) {
	dialer := &fakeDialer{}
	states := &stateCollector{}
	m := testManager(t, dialer, states, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	snapshot := m.Snapshot()
	if snapshot.State != StateConnected {
		t.Fatalf("expected connected, got %s", snapshot.State)
	}
	got := states.all()
	if len(got) < 2 || got[0] != StateConnecting || got[len(got)-1] != StateConnected {
		t.Fatalf("unexpected state sequence %v", got)
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	states := &stateCollector{}
	m := testManager(t, dialer, states, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if dialer.dialCount() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", dialer.dialCount())
	}
	reconnecting := 0
	for _, state := range states.all() {
		if state == StateReconnecting {
			reconnecting++
		}
	}
	if reconnecting != 2 {
		t.Fatalf("expected 2 reconnecting transitions, got %d in %v", reconnecting, states.all())
	}
}

func TestConnectExhaustsBudgetAndFallsBack(t *testing.T) {
	dialer := &fakeDialer{failures: 100}
	states := &stateCollector{}
	m := testManager(t, dialer, states, nil)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("expected exhausted reconnects to return an error")
	}
	if dialer.dialCount() != 3 {
		t.Fatalf("expected exactly MaxAttempts dials, got %d", dialer.dialCount())
	}

	reconnecting := 0
	for _, state := range states.all() {
		if state == StateReconnecting {
			reconnecting++
		}
	}
	if reconnecting != 3 {
		t.Fatalf("expected reconnecting visited once per attempt, got %d in %v", reconnecting, states.all())
	}
	got := states.all()
	if got[len(got)-1] != StateDisconnected {
		t.Fatalf("expected terminal disconnected, got %v", got)
	}
	snapshot := m.Snapshot()
	if !snapshot.Terminal {
		t.Fatalf("expected terminal snapshot, got %+v", snapshot)
	}

	select {
	case <-m.FallbackC():
	case <-time.After(time.Second):
		t.Fatalf("expected fallback signal after budget exhaustion")
	}
}

func TestConnectAuthErrorIsFatalNoFallback(t *testing.T) {
	dialer := &fakeDialer{failures: 100, err: &stream.AuthError{Message: "bad token"}}
	m := testManager(t, dialer, nil, nil)

	err := m.Connect(context.Background())
	if !stream.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no retry on auth failure, got %d dials", dialer.dialCount())
	}
	select {
	case <-m.FallbackC():
		t.Fatalf("auth failure must not request polling fallback")
	default:
	}
}

func TestProbeUnauthorizedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	m := NewManager(ManagerOptions{
		Platform: stream.PlatformChat,
		URL:      "ws://example.invalid/ws",
		ProbeURL: server.URL,
		Dialer:   &fakeDialer{},
	})
	defer m.Disconnect()

	err := m.Connect(context.Background())
	if !stream.IsAuthError(err) {
		t.Fatalf("expected auth error from probe, got %v", err)
	}
}

func TestProbeUnreachableRequestsFallback(t *testing.T) {
	m := NewManager(ManagerOptions{
		Platform: stream.PlatformChat,
		URL:      "ws://example.invalid/ws",
		ProbeURL: "http://127.0.0.1:1/unreachable",
		Dialer:   &fakeDialer{},
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("expected unreachable probe to fail")
	}
	select {
	case <-m.FallbackC():
	case <-time.After(time.Second):
		t.Fatalf("expected fallback signal for unreachable network path")
	}
}

func TestDispatchSubmitsEventsWithBroadcastChannel(t *testing.T) {
	dialer := &fakeDialer{}
	sink := &sinkCollector{}
	m := testManager(t, dialer, nil, sink)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	envelope := Envelope{Event: "posted", Data: map[string]any{"message": "hi"}}
	envelope.Broadcast.ChannelID = "c1"
	dialer.conn(0).inbound <- envelope

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := sink.all()
		if len(events) == 1 {
			if events[0].Name != "posted" {
				t.Fatalf("expected posted event, got %v", events[0])
			}
			if events[0].Payload["channel_id"] != "c1" {
				t.Fatalf("expected broadcast channel merged into payload, got %v", events[0].Payload)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event never reached the sink")
}

func TestReadErrorTriggersReconnectAndResubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	m := testManager(t, dialer, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Subscribe(context.Background(), "c1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Subscribe(context.Background(), "c2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Kill the first connection; the read loop should dial a new one and
	// replay both subscriptions on it.
	_ = dialer.conn(0).Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn := dialer.conn(1); conn != nil {
			writes := conn.writes()
			if len(writes) == 2 {
				first, _ := writes[0].(map[string]any)
				second, _ := writes[1].(map[string]any)
				if first["channel_id"] != "c1" || second["channel_id"] != "c2" {
					t.Fatalf("expected sorted resubscribe of c1,c2, got %v", writes)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriptions were not replayed after reconnect")
}

func TestSubscribeRequiresChannelID(t *testing.T) {
	m := testManager(t, &fakeDialer{}, nil, nil)
	if err := m.Subscribe(context.Background(), "  "); err != stream.ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDispatchRoutesTypingEvents(t *testing.T) {
	dialer := &fakeDialer{}
	typing := NewTypingTracker(time.Minute)
	defer typing.Close()
	m := NewManager(ManagerOptions{
		Platform: stream.PlatformChat,
		URL:      "ws://example.invalid/ws",
		Dialer:   dialer,
		Typing:   typing,
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	dialer.conn(0).inbound <- Envelope{
		Event: "typing",
		Data:  map[string]any{"channel_id": "c1", "user_id": "u1"},
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if active := typing.Active("c1"); len(active) == 1 && active[0] == "u1" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("typing event never reached the tracker")
}
