// Package notify drives the bounded, timed queue of user-facing alerts.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/protocol"
	"github.com/painelbot/painelbot/internal/realtime"
)

// Kind classifies a notification record.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

// Record is one queued alert. Duration 0 means persistent: no auto-dismiss.
type Record struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"createdAt"`
	Duration  time.Duration `json:"-"`
}

// MarshalJSON reports the auto-dismiss delay in milliseconds, matching the
// wire convention of the notification channel.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"durationMs"`
	}{alias(r), r.Duration.Milliseconds()})
}

// DefaultDuration returns the auto-dismiss delay for a kind.
func DefaultDuration(kind Kind) time.Duration {
	switch kind {
	case KindSuccess:
		return 5 * time.Second
	case KindWarning:
		return 6 * time.Second
	case KindError:
		return 8 * time.Second
	default:
		return 5 * time.Second
	}
}

// Dispatcher owns the notification queue: bounded, newest first, capacity K.
// Inserting beyond capacity evicts the oldest record. Each non-persistent
// record owns a countdown timer; expiry or manual dismissal removes it.
//
// No deduplication is performed: two identical rapid events produce two
// records. Whether they should collapse is an unresolved product question.
type Dispatcher struct {
	log      zerolog.Logger
	capacity int

	mu     sync.Mutex
	queue  []Record // index 0 = newest
	timers map[string]*time.Timer

	disposers []func()
}

// NewDispatcher creates an empty queue with the configured capacity.
func NewDispatcher(cfg *config.Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "notify").Logger(),
		capacity: cfg.NotificationLimit,
		timers:   make(map[string]*time.Timer),
	}
}

// Add enqueues a record with the default duration for its kind.
func (d *Dispatcher) Add(kind Kind, title, message string) string {
	return d.AddTimed(kind, title, message, DefaultDuration(kind))
}

// AddTimed enqueues a record with an explicit duration; 0 disables the
// auto-dismiss timer.
func (d *Dispatcher) AddTimed(kind Kind, title, message string, duration time.Duration) string {
	id := uuid.NewString()
	rec := Record{
		ID:        id,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
		Duration:  duration,
	}

	d.mu.Lock()
	d.queue = append([]Record{rec}, d.queue...)
	for len(d.queue) > d.capacity {
		oldest := d.queue[len(d.queue)-1]
		d.queue = d.queue[:len(d.queue)-1]
		if t, ok := d.timers[oldest.ID]; ok {
			t.Stop()
			delete(d.timers, oldest.ID)
		}
		d.log.Debug().Str("id", oldest.ID).Msg("queue full, evicted oldest")
	}
	if duration > 0 {
		d.timers[id] = time.AfterFunc(duration, func() { d.expire(id) })
	}
	d.mu.Unlock()

	d.log.Debug().Str("id", id).Str("kind", string(kind)).Str("title", title).Msg("notification queued")
	return id
}

// Dismiss cancels the record's timer and removes it immediately.
func (d *Dispatcher) Dismiss(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remove(id)
}

// Clear removes every record and cancels all timers.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.queue = nil
}

// Snapshot returns the queue, newest first.
func (d *Dispatcher) Snapshot() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Record, len(d.queue))
	copy(out, d.queue)
	return out
}

// Len reports the current queue size.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remove(id)
}

// remove must be called under d.mu.
func (d *Dispatcher) remove(id string) bool {
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
	for i, rec := range d.queue {
		if rec.ID == id {
			d.queue = append(d.queue[:i:i], d.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Bind subscribes the dispatcher's translator to the domain channels it
// renders as fixed-template alerts, plus the raw notification passthrough.
func (d *Dispatcher) Bind(reg *realtime.Registry) {
	sub := func(channel string, fn realtime.Handler) {
		d.disposers = append(d.disposers, reg.Subscribe(channel, fn))
	}

	sub(protocol.ChanNotification, d.handleRaw)

	sub(protocol.ChanBotConnected, func(payload json.RawMessage) {
		var p protocol.BotConnectedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		d.Add(KindSuccess, "Bot Conectado",
			fmt.Sprintf("Bot conectado com o número %s", p.Phone))
	})

	sub(protocol.ChanBotDisconnected, func(payload json.RawMessage) {
		var p protocol.BotDisconnectedPayload
		_ = json.Unmarshal(payload, &p)
		msg := "O bot foi desconectado"
		if p.Reason != "" {
			msg = fmt.Sprintf("O bot foi desconectado: %s", p.Reason)
		}
		d.Add(KindError, "Bot Desconectado", msg)
	})

	sub(protocol.ChanSubbotConnected, func(payload json.RawMessage) {
		var p protocol.SubbotEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		d.Add(KindSuccess, "Sub-bot Conectado",
			fmt.Sprintf("Sub-bot %s conectado", p.SubbotCode))
	})

	sub(protocol.ChanSubbotDeleted, func(payload json.RawMessage) {
		var p protocol.SubbotEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		d.Add(KindInfo, "Sub-bot Removido",
			fmt.Sprintf("Sub-bot %s foi removido", p.SubbotCode))
	})

	sub(protocol.ChanAporteCreated, func(json.RawMessage) {
		d.Add(KindInfo, "Novo Aporte", "Um novo aporte foi registrado")
	})

	sub(protocol.ChanPedidoCreated, func(json.RawMessage) {
		d.Add(KindInfo, "Novo Pedido", "Um novo pedido foi registrado")
	})
}

// Close releases all channel subscriptions. Queued records and their timers
// survive until dismissed, expired, or Clear.
func (d *Dispatcher) Close() {
	for _, dispose := range d.disposers {
		dispose()
	}
	d.disposers = nil
}

// handleRaw passes a notification event through unchanged.
func (d *Dispatcher) handleRaw(payload json.RawMessage) {
	var p protocol.NotificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.log.Warn().Err(err).Msg("bad notification payload")
		return
	}

	kind := Kind(p.Kind)
	switch kind {
	case KindSuccess, KindError, KindWarning, KindInfo:
	default:
		kind = KindInfo
	}

	duration := DefaultDuration(kind)
	if p.DurationMs != nil {
		duration = time.Duration(*p.DurationMs) * time.Millisecond
	}
	if p.Persistent {
		duration = 0
	}

	d.AddTimed(kind, p.Title, p.Message, duration)
}
