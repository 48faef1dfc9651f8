package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/protocol"
)

// testServer is a minimal backend: it accepts websocket connections, records
// outbound events from the client, and lets tests push events or drop the
// connection.
type testServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu       sync.Mutex
	received []protocol.Event
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev protocol.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.received = append(ts.received, ev)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) receivedChannels() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, len(ts.received))
	for i, ev := range ts.received {
		out[i] = ev.Channel
	}
	return out
}

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerURL = url
	cfg.ReconnectMinDelay = time.Second
	cfg.ReconnectMaxDelay = 2 * time.Second
	return cfg
}

func waitPhase(t *testing.T, states <-chan State, want Phase) State {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Phase == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %q", want)
		}
	}
}

func TestManager_ReplayOnSubscribe(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	m := NewManager(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop(), registry)

	var got []State
	dispose := m.OnState(func(s State) { got = append(got, s) })
	defer dispose()

	// The subscriber sees the current phase immediately, before any
	// transition happens.
	require.Len(t, got, 1)
	assert.Equal(t, PhaseOffline, got[0].Phase)
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	m := NewManager(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop(), registry)

	err := m.Send(protocol.ChanRequestStats, struct{}{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_ConnectBootstrapAndDispatch(t *testing.T) {
	ts := newTestServer(t)
	registry := NewRegistry(zerolog.Nop())
	m := NewManager(testConfig(ts.wsURL()), zerolog.Nop(), registry)

	states := make(chan State, 64)
	dispose := m.OnState(func(s State) { states <- s })
	defer dispose()

	payloads := make(chan string, 8)
	registry.Subscribe(protocol.ChanBotConnected, func(p json.RawMessage) {
		payloads <- string(p)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Connect(ctx)
	defer m.Disconnect()

	waitPhase(t, states, PhaseOnline)
	serverConn := <-ts.conns

	// The baseline requests self-heal the caches after any gap.
	require.Eventually(t, func() bool {
		return len(ts.receivedChannels()) >= 4
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{
		protocol.ChanSubscribe,
		protocol.ChanRequestBotStatus,
		protocol.ChanRequestSubbotStatus,
		protocol.ChanRequestStats,
	}, ts.receivedChannels()[:4])

	// An inbound event reaches the registered handler.
	ev, err := protocol.NewEvent(protocol.ChanBotConnected, protocol.BotConnectedPayload{Phone: "5551234567"})
	require.NoError(t, err)
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, data))

	select {
	case p := <-payloads:
		assert.JSONEq(t, `{"phone":"5551234567"}`, p)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestManager_TransportDropReconnects(t *testing.T) {
	ts := newTestServer(t)
	registry := NewRegistry(zerolog.Nop())
	m := NewManager(testConfig(ts.wsURL()), zerolog.Nop(), registry)

	states := make(chan State, 64)
	dispose := m.OnState(func(s State) { states <- s })
	defer dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Connect(ctx)
	defer m.Disconnect()

	waitPhase(t, states, PhaseOnline)
	serverConn := <-ts.conns

	// Drop the transport server-side while the client is online.
	start := time.Now()
	require.NoError(t, serverConn.Close())

	waitPhase(t, states, PhaseOffline)

	// A reconnect is scheduled and completes within the backoff bounds
	// plus dial time.
	s := waitPhase(t, states, PhaseOnline)
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 5*time.Second, "reconnect must happen within the max delay window")
	assert.Equal(t, 0, s.Attempts, "a successful reconnect resets the attempt counter")
}

func TestManager_ConnectIdempotent(t *testing.T) {
	ts := newTestServer(t)
	registry := NewRegistry(zerolog.Nop())
	m := NewManager(testConfig(ts.wsURL()), zerolog.Nop(), registry)

	states := make(chan State, 64)
	dispose := m.OnState(func(s State) { states <- s })
	defer dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Connect(ctx)
	m.Connect(ctx) // no-op while connecting/online
	defer m.Disconnect()

	waitPhase(t, states, PhaseOnline)

	select {
	case conn := <-ts.conns:
		_ = conn
	case <-time.After(time.Second):
		t.Fatal("expected one connection")
	}
	select {
	case <-ts.conns:
		t.Fatal("second Connect must not open a second transport")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManager_AttemptCapExhausted(t *testing.T) {
	// Point at a port nothing listens on.
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.MaxReconnects = 2

	registry := NewRegistry(zerolog.Nop())
	m := NewManager(cfg, zerolog.Nop(), registry)

	states := make(chan State, 64)
	dispose := m.OnState(func(s State) { states <- s })
	defer dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Connect(ctx)

	// Each failed attempt surfaces as error then offline; after the cap
	// the manager stays offline with the last error recorded.
	deadline := time.After(15 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Phase == PhaseError {
				assert.NotEmpty(t, s.LastError)
			}
			if s.Phase == PhaseOffline && s.Attempts >= 2 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for attempt cap")
		}
	}
}

func TestManager_StalePingLoopDoesNotSkewLatency(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	registry := NewRegistry(zerolog.Nop())
	m := NewManager(cfg, zerolog.Nop(), registry)

	stale := &websocket.Conn{}
	require.False(t, m.markPingSent(stale), "a loop for a replaced connection must stop")

	m.mu.Lock()
	sentAt := m.pingSentAt
	m.mu.Unlock()
	assert.True(t, sentAt.IsZero(), "a stale loop must not record a send time")

	m.mu.Lock()
	m.conn = stale
	m.mu.Unlock()
	assert.True(t, m.markPingSent(stale))
}
