package icechat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// realtimeEnvelope is the wire format for all realtime events.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeConfig configures the realtime subscriber.
type RealtimeConfig struct {
	// URL is the websocket endpoint; http(s) schemes are rewritten.
	URL   string
	Token string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute earns a fresh attempt budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeSubscriber
// ============================================================================

// RealtimeSubscriber keeps a websocket open to the message service and
// folds pushed events into the engine through the same HandlePush path
// as platform notifications, so a realtime message and a later-fetched
// one converge to a single store record.
type RealtimeSubscriber struct {
	engine *Engine
	config RealtimeConfig
	recon  reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	onStateChange func(RealtimeState)
}

// NewRealtimeSubscriber creates a subscriber feeding the given engine.
func NewRealtimeSubscriber(engine *Engine, config RealtimeConfig) *RealtimeSubscriber {
	config.defaults()
	return &RealtimeSubscriber{
		engine: engine,
		config: config,
		state:  StateDisconnected,
		recon: reconnector{
			baseDelay:   config.ReconnectBaseDelay,
			maxDelay:    config.ReconnectMaxDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
	}
}

// OnStateChange registers a single connection-state callback.
func (rs *RealtimeSubscriber) OnStateChange(fn func(RealtimeState)) {
	rs.mu.Lock()
	rs.onStateChange = fn
	rs.mu.Unlock()
}

// State returns the current connection state.
func (rs *RealtimeSubscriber) State() RealtimeState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func (rs *RealtimeSubscriber) setState(s RealtimeState) {
	rs.mu.Lock()
	rs.state = s
	fn := rs.onStateChange
	rs.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops. Idempotent while connected or connecting.
func (rs *RealtimeSubscriber) Connect(ctx context.Context) error {
	rs.mu.Lock()
	if rs.state == StateConnected || rs.state == StateConnecting {
		rs.mu.Unlock()
		return nil
	}
	rs.state = StateConnecting
	rs.intentionalClose = false
	rs.mu.Unlock()

	wsURL := strings.Replace(rs.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if rs.config.Token != "" {
		wsURL += "?token=" + rs.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rs.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	rs.mu.Lock()
	rs.conn = conn
	rs.mu.Unlock()
	rs.recon.markConnected()
	rs.setState(StateConnected)

	connCtx, cancel := context.WithCancel(ctx)
	rs.mu.Lock()
	rs.cancelFn = cancel
	rs.mu.Unlock()

	go rs.readLoop(connCtx)
	go rs.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection without reconnecting.
func (rs *RealtimeSubscriber) Disconnect() error {
	rs.mu.Lock()
	rs.intentionalClose = true
	if rs.cancelFn != nil {
		rs.cancelFn()
		rs.cancelFn = nil
	}
	conn := rs.conn
	rs.conn = nil
	rs.mu.Unlock()
	rs.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rs *RealtimeSubscriber) readLoop(ctx context.Context) {
	for {
		rs.mu.Lock()
		conn := rs.conn
		rs.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rs.mu.Lock()
			intentional := rs.intentionalClose
			rs.conn = nil
			rs.mu.Unlock()
			if intentional {
				return
			}
			rs.setState(StateDisconnected)
			if rs.config.AutoReconnect && rs.recon.shouldReconnect() {
				rs.scheduleReconnect(ctx)
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rs.dispatch(env)
	}
}

// dispatch routes one envelope into the engine.
func (rs *RealtimeSubscriber) dispatch(env realtimeEnvelope) {
	switch env.Type {
	case PushEventMessageNew, PushEventRoomDeleted:
		var p PushPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		p.Event = env.Type
		rs.engine.HandlePush(&p)
	}
}

func (rs *RealtimeSubscriber) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rs.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.mu.Lock()
			conn := rs.conn
			rs.mu.Unlock()
			if conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead connection; close and let the read loop reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rs *RealtimeSubscriber) scheduleReconnect(ctx context.Context) {
	delay := rs.recon.nextDelay()
	rs.setState(StateReconnecting)

	if !sleepCtx(ctx, delay) {
		rs.setState(StateDisconnected)
		return
	}

	if err := rs.Connect(ctx); err != nil {
		if rs.config.AutoReconnect && rs.recon.shouldReconnect() {
			rs.scheduleReconnect(ctx)
		} else {
			rs.setState(StateDisconnected)
		}
	}
}
