package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/ak-palla/activitysync/internal/stream"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnectionSnapshot is a read-only copy of the manager's state; the state
// itself is owned and mutated only by the manager.
type ConnectionSnapshot struct {
	State        ConnState `json:"state"`
	AttemptCount int       `json:"attemptCount"`
	MaxAttempts  int       `json:"maxAttempts"`
	LastError    string    `json:"lastError,omitempty"`
	Terminal     bool      `json:"terminal"`
}

// Envelope is the duplex wire format: {event, data, broadcast, seq}. Only
// event and data drive the pipeline; seq is carried but not relied upon.
type Envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Broadcast struct {
		UserID    string `json:"user_id,omitempty"`
		ChannelID string `json:"channel_id,omitempty"`
		TeamID    string `json:"team_id,omitempty"`
	} `json:"broadcast"`
	Seq int64 `json:"seq"`
}

// Conn abstracts the duplex connection so tests can fake the transport.
type Conn interface {
	ReadEnvelope(ctx context.Context) (Envelope, error)
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	return envelope, nil
}

func (w *websocketConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "closing")
}

type WebsocketDialer struct {
	HTTPClient *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	if d != nil && d.HTTPClient != nil {
		opts.HTTPClient = d.HTTPClient
	}
	c, resp, err := websocket.Dial(ctx, url, opts)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &stream.AuthError{Message: "websocket handshake rejected"}
		}
		return nil, err
	}
	return &websocketConn{c: c}, nil
}

// EventSink is where inbound envelopes land as normalized events; the
// pipeline satisfies it.
type EventSink interface {
	Submit(event stream.Event) bool
}

type ManagerOptions struct {
	Platform    stream.Platform
	URL         string
	ProbeURL    string
	Token       string
	Dialer      Dialer
	HTTPClient  *http.Client
	Sink        EventSink
	Typing      *TypingTracker
	Logger      stream.Logger
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OnStateChange observes transitions; used by the status surface and by
	// tests asserting the reconnect sequence.
	OnStateChange func(ConnState)
}

// Manager owns one realtime subscription: duplex connection, bounded
// reconnection with exponential backoff, and the fallback signal that tells
// the caller to switch to polling.
type Manager struct {
	platform    stream.Platform
	url         string
	probeURL    string
	token       string
	dialer      Dialer
	httpClient  *http.Client
	sink        EventSink
	typing      *TypingTracker
	logger      stream.Logger
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	onState     func(ConnState)

	mu            sync.Mutex
	state         ConnState
	attemptCount  int
	lastError     string
	terminal      bool
	conn          Conn
	subscriptions map[string]struct{}

	fallback  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{HTTPClient: opts.HTTPClient}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		platform:      opts.Platform,
		url:           strings.TrimSpace(opts.URL),
		probeURL:      strings.TrimSpace(opts.ProbeURL),
		token:         strings.TrimSpace(opts.Token),
		dialer:        dialer,
		httpClient:    httpClient,
		sink:          opts.Sink,
		typing:        opts.Typing,
		logger:        opts.Logger,
		maxAttempts:   maxAttempts,
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		onState:       opts.OnStateChange,
		state:         StateDisconnected,
		subscriptions: map[string]struct{}{},
		fallback:      make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// FallbackC signals once when the reconnect budget is exhausted or the
// network path is unreachable; the caller starts the polling scheduler.
func (m *Manager) FallbackC() <-chan struct{} {
	return m.fallback
}

func (m *Manager) Snapshot() ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionSnapshot{
		State:        m.state,
		AttemptCount: m.attemptCount,
		MaxAttempts:  m.maxAttempts,
		LastError:    m.lastError,
		Terminal:     m.terminal,
	}
}

// Connect probes reachability through the same credential, then attempts the
// duplex handshake with bounded backoff. Authentication failures are fatal
// and returned immediately; network exhaustion degrades to polling via the
// fallback signal.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)
	if err := m.probe(ctx); err != nil {
		if stream.IsAuthError(err) {
			m.fail(err, false)
			return err
		}
		// Unreachable network path: do not burn the reconnect budget on a
		// handshake that will fail instantly.
		m.fail(err, true)
		return err
	}
	return m.establish(ctx)
}

func (m *Manager) establish(ctx context.Context) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := m.dialer.Dial(ctx, m.url, m.token)
		if err == nil {
			m.adopt(conn)
			if err := m.resubscribe(ctx, conn); err != nil {
				m.logf("resubscribe after connect: %v", err)
			}
			m.wg.Add(1)
			go m.readLoop(conn)
			return nil
		}
		if stream.IsAuthError(err) {
			m.fail(err, false)
			return err
		}
		lastErr = err
		m.mu.Lock()
		m.attemptCount = attempt
		m.lastError = err.Error()
		m.mu.Unlock()
		m.setState(StateReconnecting)
		if attempt >= m.maxAttempts {
			m.fail(lastErr, true)
			return lastErr
		}
		if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
			m.fail(err, false)
			return err
		}
	}
}

func (m *Manager) probe(ctx context.Context) error {
	if m.probeURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reachability probe: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &stream.AuthError{Message: fmt.Sprintf("probe status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("reachability probe: status %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) readLoop(conn Conn) {
	defer m.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		envelope, err := conn.ReadEnvelope(ctx)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			m.logf("read loop ended: %v", err)
			m.dropConn(conn)
			m.mu.Lock()
			m.attemptCount = 0
			m.mu.Unlock()
			if reconnectErr := m.establish(ctx); reconnectErr != nil {
				m.logf("reconnect abandoned: %v", reconnectErr)
			}
			return
		}
		m.dispatch(envelope)
	}
}

func (m *Manager) dispatch(envelope Envelope) {
	data := envelope.Data
	if data == nil {
		data = map[string]any{}
	}
	if envelope.Broadcast.ChannelID != "" {
		if _, exists := data["channel_id"]; !exists {
			data["channel_id"] = envelope.Broadcast.ChannelID
		}
	}
	if m.typing != nil && isTypingEvent(envelope.Event) {
		m.typing.Observe(toStr(data["channel_id"]), toStr(data["user_id"]))
	}
	if m.sink != nil {
		if !m.sink.Submit(stream.Event{Platform: m.platform, Name: envelope.Event, Payload: data}) {
			m.logf("event %s dropped: pipeline queue full", envelope.Event)
		}
	}
}

func isTypingEvent(event string) bool {
	return event == "typing" || event == "typing_start"
}

// Subscribe registers interest in a channel. Subscriptions are replayed after
// every successful reconnect; the server side does not persist them.
func (m *Manager) Subscribe(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return stream.ErrInvalidInput
	}
	m.mu.Lock()
	m.subscriptions[channelID] = struct{}{}
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(ctx, subscriptionMessage("subscribe", channelID))
}

func (m *Manager) Unsubscribe(ctx context.Context, channelID string) error {
	m.mu.Lock()
	delete(m.subscriptions, channelID)
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(ctx, subscriptionMessage("unsubscribe", channelID))
}

func (m *Manager) resubscribe(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	channels := make([]string, 0, len(m.subscriptions))
	for channelID := range m.subscriptions {
		channels = append(channels, channelID)
	}
	m.mu.Unlock()
	sort.Strings(channels)
	for _, channelID := range channels {
		if err := conn.WriteJSON(ctx, subscriptionMessage("subscribe", channelID)); err != nil {
			return err
		}
	}
	return nil
}

func subscriptionMessage(action, channelID string) map[string]any {
	return map[string]any{"action": action, "channel_id": channelID}
}

func (m *Manager) Disconnect() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.terminal = true
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.setState(StateDisconnected)
	m.wg.Wait()
}

func (m *Manager) adopt(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.lastError = ""
	m.mu.Unlock()
	m.setState(StateConnected)
}

func (m *Manager) dropConn(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// fail settles the manager in terminal Disconnected; requestFallback tells
// the caller to activate polling instead.
func (m *Manager) fail(err error, requestFallback bool) {
	m.mu.Lock()
	if err != nil {
		m.lastError = err.Error()
	}
	m.terminal = true
	m.mu.Unlock()
	m.setState(StateDisconnected)
	if requestFallback {
		select {
		case m.fallback <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxBackoff {
			return m.maxBackoff
		}
	}
	if delay > m.maxBackoff {
		return m.maxBackoff
	}
	return delay
}

func (m *Manager) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

func (m *Manager) setState(state ConnState) {
	m.mu.Lock()
	m.state = state
	callback := m.onState
	m.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func toStr(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}
