package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes the payload of one inbound event.
type Handler func(payload json.RawMessage)

// Sender pushes outbound events onto the transport.
type Sender interface {
	Send(channel string, payload any) error
}

type subscription struct {
	id int64
	fn Handler
}

// Registry is the typed publish/subscribe layer over named channels. Inbound
// events are delivered to handlers in registration order; outbound events are
// fire-and-forget through the bound Sender.
//
// Dispatch is only ever called from the Manager's read loop, so handlers run
// one at a time with run-to-completion semantics and need no locks of their
// own. Handlers must not block for extended periods: that stalls delivery of
// everything behind them.
type Registry struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int64
	sender Sender
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:  log.With().Str("component", "registry").Logger(),
		subs: make(map[string][]subscription),
	}
}

// BindSender attaches the transport used by Publish.
func (r *Registry) BindSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

// Subscribe registers a handler for a channel and returns its disposer.
// Multiple handlers on one channel are invoked in registration order.
func (r *Registry) Subscribe(channel string, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[channel] = append(r.subs[channel], subscription{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(channel, id) })
	}
}

func (r *Registry) unsubscribe(channel string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[channel]
	for i, s := range subs {
		if s.id == id {
			r.subs[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[channel]) == 0 {
		delete(r.subs, channel)
	}
}

// Publish sends an outbound event. Delivery is at-most-once: send failures
// (no connection, write error) are logged and dropped, never retried.
func (r *Registry) Publish(channel string, payload any) {
	r.mu.RLock()
	sender := r.sender
	r.mu.RUnlock()

	if sender == nil {
		r.log.Debug().Str("channel", channel).Msg("publish with no transport bound, dropping")
		return
	}
	if err := sender.Send(channel, payload); err != nil {
		r.log.Warn().Err(err).Str("channel", channel).Msg("publish failed, dropping")
	}
}

// Dispatch delivers an inbound event to every handler registered for its
// channel, exactly once per received message. A panicking handler is
// recovered and logged; delivery continues with the remaining handlers.
func (r *Registry) Dispatch(channel string, payload json.RawMessage) {
	r.mu.RLock()
	subs := make([]subscription, len(r.subs[channel]))
	copy(subs, r.subs[channel])
	r.mu.RUnlock()

	if len(subs) == 0 {
		r.log.Debug().Str("channel", channel).Msg("event with no subscribers")
		return
	}

	for _, s := range subs {
		r.deliver(channel, s, payload)
	}
}

func (r *Registry) deliver(channel string, s subscription, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("channel", channel).
				Int64("subscriber", s.id).
				Interface("panic", rec).
				Msg("handler panicked, continuing delivery")
		}
	}()
	s.fn(payload)
}

// SubscriberCount reports how many handlers a channel currently has.
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[channel])
}
