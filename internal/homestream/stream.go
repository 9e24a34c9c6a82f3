// Package homestream connects to the smart-home hub's WebSocket API
// and feeds state changes and other home events onto the pipeline.
// The stream owns its connection lifecycle: exponential reconnect
// backoff, subscription restore after reconnect, and a silence probe
// that forces a reconnect when the link looks alive but no traffic
// arrives.
package homestream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/metrics"
)

const (
	reconnectBase = 5 * time.Second
	reconnectMax  = 300 * time.Second

	// The probe runs every probeInterval; if nothing has arrived for
	// silenceThreshold it sends a ping and reconnects on failure.
	probeInterval    = 30 * time.Second
	silenceThreshold = 5 * time.Minute
	probeTimeout     = 10 * time.Second

	requestTimeout = 30 * time.Second
)

// Config holds the stream's connection settings.
type Config struct {
	// URL is the hub's base URL (http/https; converted to ws/wss).
	URL string
	// Token is the long-lived access token.
	Token string
	// EventTypes to subscribe to. Empty subscribes to all events.
	EventTypes []string
	// EntityFilters are path.Match globs applied to state changes.
	EntityFilters []string
	// RateLimitPerMinute caps state changes per entity. Zero disables.
	RateLimitPerMinute int
}

// Stream is the home event source.
type Stream struct {
	cfg     Config
	emitter events.Emitter
	metrics *metrics.Metrics
	clk     clock.Clock
	logger  *slog.Logger

	filter  *entityFilter
	limiter *entityLimiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	msgID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan wsResponse

	// lastTraffic is the unix-nano timestamp of the last inbound
	// message, read by the silence probe.
	lastTraffic atomic.Int64
}

// wire message shapes, per the hub's WebSocket protocol.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *wsEvent        `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsEvent struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// stateChange is the data payload of a state_changed event.
type stateChange struct {
	EntityID string   `json:"entity_id"`
	OldState *haState `json:"old_state"`
	NewState *haState `json:"new_state"`
}

type haState struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// New creates the home stream source. metrics may be nil.
func New(cfg Config, emitter events.Emitter, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Stream {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source", events.SourceHome)
	return &Stream{
		cfg:     cfg,
		emitter: emitter,
		metrics: m,
		clk:     clk,
		logger:  logger,
		filter:  newEntityFilter(cfg.EntityFilters, logger),
		limiter: newEntityLimiter(cfg.RateLimitPerMinute, clk.Now),
		pending: make(map[int64]chan wsResponse),
	}
}

// Name implements events.Source.
func (s *Stream) Name() string { return events.SourceHome }

// Start launches the connection loop. It returns immediately; the
// loop keeps retrying with backoff until Stop or ctx cancellation.
func (s *Stream) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("home stream: url not configured")
	}
	if s.cfg.Token == "" {
		return fmt.Errorf("home stream: token not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("home stream: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	return nil
}

// Stop tears down the connection loop and waits for it to exit.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.closeConn()
	<-done
}

// run is the reconnect loop: connect, serve until the connection
// dies, back off, repeat. Backoff doubles from 5s and caps at 300s;
// a healthy session resets it.
func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		started := s.clk.Now()
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		// A session that lasted a while was healthy; restart the
		// backoff ladder instead of resuming where the last outage
		// left off.
		if s.clk.Now().Sub(started) > time.Minute {
			attempt = 0
		}

		delay := reconnectMax
		if attempt < 7 {
			delay = min(reconnectBase<<attempt, reconnectMax)
		}
		attempt++

		s.logger.Warn("home stream disconnected, retrying",
			"error", err, "delay", delay, "attempt", attempt)
		if !s.clk.Sleep(ctx, delay) {
			return
		}
	}
}

// connectAndServe dials, authenticates, subscribes, and then serves
// until the connection fails. The read loop is the only goroutine
// reading the socket; subscribe and probe requests are resolved
// through the pending map.
func (s *Stream) connectAndServe(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer s.closeConn()

	if err := s.authenticate(conn); err != nil {
		return err
	}

	s.lastTraffic.Store(s.clk.Now().UnixNano())

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn) }()

	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	go s.probeLoop(probeCtx)

	if err := s.subscribe(ctx); err != nil {
		return err
	}
	s.logger.Info("home stream connected", "url", s.cfg.URL)

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)
	return conn, nil
}

// authenticate performs the auth_required/auth/auth_ok handshake.
func (s *Stream) authenticate(conn *websocket.Conn) error {
	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	auth := map[string]string{"type": "auth", "access_token": s.cfg.Token}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication rejected")
	default:
		return fmt.Errorf("unexpected auth response: %s", resp.Type)
	}
}

// subscribe registers for the configured event types, or all events
// when none are configured. Subscriptions die with the connection, so
// every reconnect re-runs this.
func (s *Stream) subscribe(ctx context.Context) error {
	types := s.cfg.EventTypes
	if len(types) == 0 {
		msg := map[string]any{"type": "subscribe_events"}
		if _, err := s.request(ctx, msg); err != nil {
			return fmt.Errorf("subscribe all events: %w", err)
		}
		return nil
	}
	for _, t := range types {
		msg := map[string]any{"type": "subscribe_events", "event_type": t}
		if _, err := s.request(ctx, msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// request sends a correlated message and waits for its result.
func (s *Stream) request(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	id := s.msgID.Add(1)
	msg["id"] = id

	respCh := make(chan wsResponse, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	// connMu also serializes writers; gorilla allows one writer at a
	// time and subscribe can race the probe.
	s.connMu.Lock()
	conn := s.conn
	if conn == nil {
		s.connMu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	err := conn.WriteJSON(msg)
	s.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop pumps messages until the connection errors out.
func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("connection closed: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

// handleMessage routes a single inbound message.
func (s *Stream) handleMessage(msg wsMessage) {
	s.lastTraffic.Store(s.clk.Now().UnixNano())

	switch msg.Type {
	case "result", "pong":
		s.pendingMu.Lock()
		if ch, ok := s.pending[msg.ID]; ok {
			resp := wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			if msg.Type == "pong" {
				resp.Success = true
			}
			select {
			case ch <- resp:
			default:
			}
		}
		s.pendingMu.Unlock()

	case "event":
		if msg.Event != nil {
			s.handleEvent(*msg.Event)
		}

	default:
		s.logger.Debug("unhandled message type", "type", msg.Type)
	}
}

// handleEvent normalizes a hub event and emits it. State changes get
// the entity filter and per-entity rate limit; everything else passes
// straight through.
func (s *Stream) handleEvent(ev wsEvent) {
	data := s.normalize(ev)
	if data == nil {
		return
	}

	e := events.New(events.SourceHome, ev.Type, data)
	if !ev.TimeFired.IsZero() {
		e.OccurredAt = ev.TimeFired
	}
	if !s.emitter.Emit(e) && s.metrics != nil {
		s.metrics.EventsDropped.WithLabelValues(events.SourceHome).Inc()
	}
}

// normalize produces the pipeline's event payload. For state_changed
// the states are exposed as nested maps so dotted-path conditions can
// reach new_state.state or new_state.attributes.brightness. Returns
// nil when the event should be skipped.
func (s *Stream) normalize(ev wsEvent) map[string]any {
	if ev.Type != "state_changed" {
		var data map[string]any
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				s.logger.Debug("undecodable event payload", "event_type", ev.Type, "error", err)
				return nil
			}
		}
		if data == nil {
			data = make(map[string]any)
		}
		data["event_type"] = ev.Type
		return data
	}

	var sc stateChange
	if err := json.Unmarshal(ev.Data, &sc); err != nil {
		s.logger.Debug("undecodable state_changed payload", "error", err)
		return nil
	}
	// Entity removals carry a nil new state.
	if sc.NewState == nil {
		return nil
	}
	if !s.filter.match(sc.EntityID) {
		return nil
	}
	if !s.limiter.allow(sc.EntityID) {
		s.logger.Debug("rate limited state change", "entity_id", sc.EntityID)
		return nil
	}

	data := map[string]any{
		"event_type": "state_changed",
		"entity_id":  sc.EntityID,
		"new_state":  stateMap(sc.NewState),
	}
	if sc.OldState != nil {
		data["old_state"] = stateMap(sc.OldState)
	}
	return data
}

func stateMap(st *haState) map[string]any {
	m := map[string]any{"state": st.State}
	if len(st.Attributes) > 0 {
		m["attributes"] = st.Attributes
	}
	if !st.LastChanged.IsZero() {
		m["last_changed"] = st.LastChanged.Format(time.RFC3339Nano)
	}
	return m
}

// probeLoop watches for silent connections. Every probeInterval it
// checks the last-traffic timestamp; past silenceThreshold it sends a
// ping, and a failed or timed-out ping closes the connection so the
// reconnect loop takes over. The limiter sweep piggybacks here.
func (s *Stream) probeLoop(ctx context.Context) {
	for {
		if !s.clk.Sleep(ctx, probeInterval) {
			return
		}
		s.limiter.sweep()

		last := time.Unix(0, s.lastTraffic.Load())
		if s.clk.Now().Sub(last) < silenceThreshold {
			continue
		}

		s.logger.Warn("no traffic from home stream, probing", "last_traffic", last)
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err := s.request(pctx, map[string]any{"type": "ping"})
		cancel()
		if err != nil {
			s.logger.Error("health probe failed, forcing reconnect", "error", err)
			s.closeConn()
			return
		}
	}
}

func (s *Stream) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
