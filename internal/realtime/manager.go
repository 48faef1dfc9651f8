package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/protocol"
)

// Phase is the connection lifecycle phase.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOnline     Phase = "online"
	PhaseOffline    Phase = "offline"
	PhaseError      Phase = "error"
)

// State is the connection snapshot exposed to consumers.
type State struct {
	Phase     Phase  `json:"phase"`
	LastError string `json:"lastError,omitempty"`
	LatencyMs int64  `json:"latencyMs"` // 0 until the first ping round-trip
	Attempts  int    `json:"attempts"`  // consecutive failed attempts
}

// StateHandler receives connection state snapshots.
type StateHandler func(State)

// ErrNotConnected is returned by Send while the transport is down.
var ErrNotConnected = errors.New("not connected")

// Connection parameters.
const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 25 * time.Second
	pongWait         = 60 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// Manager owns the single push-channel connection: lifecycle, reconnection
// policy with jittered backoff, and health/latency tracking. Exactly one
// Manager exists per process; it is the only writer of the connection State.
type Manager struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *Registry

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	subs       map[int64]StateHandler
	nextSub    int64
	cancel     context.CancelFunc
	running    bool
	pingSentAt time.Time
}

// NewManager creates the connection manager and binds it as the registry's
// outbound transport.
func NewManager(cfg *config.Config, log zerolog.Logger, registry *Registry) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "connection").Logger(),
		registry: registry,
		state:    State{Phase: PhaseOffline},
		subs:     make(map[int64]StateHandler),
	}
	registry.BindSender(m)
	return m
}

// Connect starts the connection loop. Idempotent: calling it while already
// connecting or online is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Debug().Msg("connect ignored, already running")
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.setState(func(s *State) {
		s.Phase = PhaseConnecting
		s.LastError = ""
		s.Attempts = 0
	})

	go m.run(runCtx)
}

// Disconnect tears down the transport and cancels any pending reconnect.
// Registry subscriptions are untouched; those belong to their consumers.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(closeGracePeriod)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			deadline,
		)
		_ = conn.Close()
	}

	m.setState(func(s *State) { s.Phase = PhaseOffline })
	m.log.Info().Msg("disconnected")
}

// run dials, reads until transport loss, and reconnects with backoff until
// the context ends or the attempt cap is exhausted.
func (m *Manager) run(ctx context.Context) {
	policy := newReconnectPolicy(m.cfg.ReconnectMinDelay, m.cfg.ReconnectMaxDelay)
	attempts := 0

	for {
		if ctx.Err() != nil {
			m.stopped()
			return
		}

		if err := m.dial(ctx); err != nil {
			attempts++
			m.transportError(err, attempts)
			if m.capReached(attempts) {
				m.giveUp(attempts)
				return
			}
			if !m.wait(ctx, policy.Next()) {
				m.stopped()
				return
			}
			continue
		}

		// Connected: the backoff and the attempt counter start over.
		policy.Reset()
		attempts = 0

		m.readLoop(ctx)

		if ctx.Err() != nil {
			m.stopped()
			return
		}

		attempts++
		m.setState(func(s *State) {
			s.Phase = PhaseOffline
			s.Attempts = attempts
		})
		m.log.Warn().Int("attempt", attempts).Msg("transport lost, reconnecting")

		if m.capReached(attempts) {
			m.giveUp(attempts)
			return
		}
		if !m.wait(ctx, policy.Next()) {
			m.stopped()
			return
		}
	}
}

// dial establishes the websocket connection and issues the baseline
// subscription and status requests so caches self-heal after any gap.
func (m *Manager) dial(ctx context.Context) error {
	m.setState(func(s *State) { s.Phase = PhaseConnecting })
	m.log.Debug().Str("url", m.cfg.ServerURL).Msg("connecting")

	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.cfg.ServerURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		m.recordLatency()
		return nil
	})

	go m.pingLoop(ctx, conn)

	m.setState(func(s *State) {
		s.Phase = PhaseOnline
		s.LastError = ""
		s.Attempts = 0
	})
	m.log.Info().Str("url", m.cfg.ServerURL).Msg("connected")

	m.bootstrap()
	return nil
}

// bootstrap re-subscribes the channel set and asks for fresh snapshots.
func (m *Manager) bootstrap() {
	m.registry.Publish(protocol.ChanSubscribe, protocol.SubscribePayload{
		Channels: protocol.DefaultChannels,
	})
	m.registry.Publish(protocol.ChanRequestBotStatus, struct{}{})
	m.registry.Publish(protocol.ChanRequestSubbotStatus, struct{}{})
	m.registry.Publish(protocol.ChanRequestStats, struct{}{})
}

// readLoop reads events until transport loss and hands them to the registry.
// It is the only caller of Dispatch, which serializes all handler execution.
func (m *Manager) readLoop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Error().Err(err).Msg("read error")
			}
			m.setState(func(s *State) { s.LastError = err.Error() })
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.log.Warn().Err(err).Str("data", string(data)).Msg("malformed event, skipping")
			continue
		}

		m.registry.Dispatch(ev.Channel, ev.Payload)
	}
}

// pingLoop measures latency with periodic websocket pings.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.markPingSent(conn) {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// markPingSent records the send time for the next latency sample, but only
// if conn is still the live connection: a loop for a torn-down connection
// must not skew its successor's first measurement.
func (m *Manager) markPingSent(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return false
	}
	m.pingSentAt = time.Now()
	return true
}

// recordLatency stores the last ping round-trip without notifying state
// subscribers; only phase transitions fan out.
func (m *Manager) recordLatency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingSentAt.IsZero() {
		return
	}
	m.state.LatencyMs = time.Since(m.pingSentAt).Milliseconds()
}

// Send writes one outbound event. Used by the registry as its Sender.
func (m *Manager) Send(channel string, payload any) error {
	ev, err := protocol.NewEvent(channel, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// OnState registers a connection-state subscriber and returns its disposer.
// The subscriber immediately receives the current snapshot, so a consumer
// mounted after a transition still sees the phase it missed.
func (m *Manager) OnState(fn StateHandler) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	current := m.state
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// State returns the current connection snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState mutates the state under lock and notifies subscribers after
// releasing it, so a subscriber may call back into the manager.
func (m *Manager) setState(mutate func(*State)) {
	m.mu.Lock()
	mutate(&m.state)
	current := m.state
	handlers := make([]StateHandler, 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(current)
	}
}

// transportError records a failed connect attempt: error, then offline.
func (m *Manager) transportError(err error, attempts int) {
	m.log.Error().Err(err).Int("attempt", attempts).Msg("connection failed")
	m.setState(func(s *State) {
		s.Phase = PhaseError
		s.LastError = err.Error()
		s.Attempts = attempts
	})
	m.setState(func(s *State) { s.Phase = PhaseOffline })
}

func (m *Manager) capReached(attempts int) bool {
	return m.cfg.MaxReconnects > 0 && attempts >= m.cfg.MaxReconnects
}

// giveUp stops retrying after the attempt cap. The manager stays offline
// until Connect is called again.
func (m *Manager) giveUp(attempts int) {
	m.log.Warn().Int("attempts", attempts).Msg("reconnect attempts exhausted, staying offline")
	m.stopped()
	m.setState(func(s *State) { s.Phase = PhaseOffline })
}

// wait sleeps for the backoff delay; false means the context ended first.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	m.log.Debug().Dur("delay", d).Msg("scheduling reconnect")
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) stopped() {
	m.mu.Lock()
	m.running = false
	m.cancel = nil
	m.mu.Unlock()
}
