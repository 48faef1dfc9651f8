// Package pairing tracks the multi-step onboarding of ephemeral sub-bot
// sessions: QR-code or numeric pairing-code linking flows.
package pairing

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/painelbot/painelbot/internal/protocol"
	"github.com/painelbot/painelbot/internal/realtime"
)

// SessionState is the tagged state of one pairing session.
type SessionState string

const (
	StateCreated       SessionState = "created"
	StateAwaitingIssue SessionState = "awaiting-issue"
	StateIssued        SessionState = "issued"
	StateConnected     SessionState = "connected"
	StateDisconnected  SessionState = "disconnected"
	StateDeleted       SessionState = "deleted"
)

// Method is the linking flow of a session.
type Method string

const (
	MethodQR          Method = "qr"
	MethodPairingCode Method = "pairing-code"
)

// Session is one ephemeral onboarding record. Code is the sole identity.
type Session struct {
	Code        string       `json:"code"`
	Method      Method       `json:"method"`
	State       SessionState `json:"state"`
	IssuedValue string       `json:"issuedValue,omitempty"`
	PhoneNumber string       `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// eventKind drives the transition function. Transitions come only from
// inbound events, never from local guesses.
type eventKind int

const (
	evAck eventKind = iota // backend acknowledged creation
	evIssue                // QR or pairing code value received
	evConnect
	evDisconnect
	evDelete
)

var (
	// ErrSessionDeleted marks events addressed to a terminal session.
	ErrSessionDeleted = errors.New("session already deleted")

	errIllegalTransition = errors.New("illegal transition")
)

// transition is the exhaustive state machine. Deleted is terminal: no event
// moves a session out of it.
func transition(s SessionState, ev eventKind) (SessionState, error) {
	if s == StateDeleted {
		return s, ErrSessionDeleted
	}

	switch ev {
	case evAck:
		if s == StateCreated {
			return StateAwaitingIssue, nil
		}
		return s, errIllegalTransition
	case evIssue:
		if s == StateCreated || s == StateAwaitingIssue {
			return StateIssued, nil
		}
		return s, errIllegalTransition
	case evConnect:
		if s == StateIssued || s == StateConnected {
			return StateConnected, nil
		}
		return s, errIllegalTransition
	case evDisconnect:
		if s == StateIssued || s == StateConnected {
			return StateDisconnected, nil
		}
		return s, errIllegalTransition
	case evDelete:
		return StateDeleted, nil
	}
	return s, errIllegalTransition
}

// ChangeHandler receives a session snapshot after every applied transition.
type ChangeHandler func(Session)

// Tracker maintains one state machine per pairing session, fed by the
// subbot:* channels. It is the single writer of its session table.
type Tracker struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[int64]ChangeHandler
	nextSub  int64

	disposers []func()
}

// NewTracker creates an empty tracker.
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{
		log:      log.With().Str("component", "pairing").Logger(),
		sessions: make(map[string]*Session),
		subs:     make(map[int64]ChangeHandler),
	}
}

// Bind subscribes the tracker to the subbot lifecycle channels. Call Close
// to release the subscriptions.
func (t *Tracker) Bind(reg *realtime.Registry) {
	sub := func(channel string, fn realtime.Handler) {
		t.disposers = append(t.disposers, reg.Subscribe(channel, fn))
	}

	sub(protocol.ChanSubbotCreated, t.handleEvent(evAck, nil))
	sub(protocol.ChanSubbotQR, t.handleEvent(evIssue, func(s *Session, p protocol.SubbotEventPayload) {
		s.Method = MethodQR
		s.IssuedValue = p.QR
	}))
	sub(protocol.ChanSubbotPairingCode, t.handleEvent(evIssue, func(s *Session, p protocol.SubbotEventPayload) {
		s.Method = MethodPairingCode
		s.IssuedValue = p.PairingCode
	}))
	sub(protocol.ChanSubbotConnected, t.handleEvent(evConnect, func(s *Session, p protocol.SubbotEventPayload) {
		// Connected always clears the outstanding value so the UI stops
		// prompting for it.
		s.IssuedValue = ""
		if p.Phone != "" {
			s.PhoneNumber = p.Phone
		}
	}))
	sub(protocol.ChanSubbotDisconnected, t.handleEvent(evDisconnect, nil))
	sub(protocol.ChanSubbotDeleted, t.handleEvent(evDelete, nil))
}

// Close releases all channel subscriptions.
func (t *Tracker) Close() {
	for _, dispose := range t.disposers {
		dispose()
	}
	t.disposers = nil
}

// Create registers a locally requested session in state Created. If the code
// already exists the existing session is returned untouched.
func (t *Tracker) Create(code string, method Method) Session {
	t.mu.Lock()
	if existing, ok := t.sessions[code]; ok {
		snap := *existing
		t.mu.Unlock()
		return snap
	}
	now := time.Now()
	s := &Session{
		Code:      code,
		Method:    method,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.sessions[code] = s
	snap := *s
	t.mu.Unlock()

	t.log.Info().Str("code", code).Str("method", string(method)).Msg("pairing session created")
	t.notify(snap)
	return snap
}

// Session returns a snapshot of one session.
func (t *Tracker) Session(code string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[code]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns snapshots of every tracked session.
func (t *Tracker) Sessions() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	return out
}

// OnChange registers a session-change subscriber; returns its disposer.
func (t *Tracker) OnChange(fn ChangeHandler) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// handleEvent builds the registry handler for one event kind.
func (t *Tracker) handleEvent(ev eventKind, mutate func(*Session, protocol.SubbotEventPayload)) realtime.Handler {
	return func(payload json.RawMessage) {
		var p protocol.SubbotEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.log.Warn().Err(err).Msg("bad subbot payload")
			return
		}
		if p.SubbotCode == "" {
			t.log.Warn().Msg("subbot event without code, dropping")
			return
		}
		t.apply(p.SubbotCode, ev, p, mutate)
	}
}

// reactiveSeed picks the state a reactively created session starts in, so
// the event that revealed the session is a legal transition from it.
func reactiveSeed(ev eventKind) SessionState {
	switch ev {
	case evConnect, evDisconnect:
		return StateIssued
	default:
		return StateCreated
	}
}

// apply runs one transition. An unknown code creates the session reactively:
// it may have been created by a different client instance, and dropping the
// event would lose the onboarding step.
func (t *Tracker) apply(code string, ev eventKind, p protocol.SubbotEventPayload, mutate func(*Session, protocol.SubbotEventPayload)) {
	t.mu.Lock()
	s, ok := t.sessions[code]
	if !ok {
		now := time.Now()
		s = &Session{
			Code:      code,
			Method:    MethodQR,
			State:     reactiveSeed(ev),
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.sessions[code] = s
		t.log.Info().Str("code", code).Str("state", string(s.State)).Msg("unknown session, created reactively")
	}

	next, err := transition(s.State, ev)
	if err != nil {
		from := s.State
		t.mu.Unlock()
		if errors.Is(err, ErrSessionDeleted) {
			t.log.Warn().Str("code", code).Msg("event for deleted session, ignoring")
		} else {
			t.log.Warn().
				Str("code", code).
				Str("state", string(from)).
				Int("event", int(ev)).
				Msg("illegal transition, ignoring")
		}
		return
	}

	s.State = next
	s.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(s, p)
	}
	snap := *s
	t.mu.Unlock()

	t.log.Debug().Str("code", code).Str("state", string(next)).Msg("session transitioned")
	t.notify(snap)
}

func (t *Tracker) notify(snap Session) {
	t.mu.RLock()
	fns := make([]ChangeHandler, 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}
