// Package state holds the client-side domain caches and the reconciler that
// merges push events into them.
package state

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/protocol"
	"github.com/painelbot/painelbot/internal/realtime"
)

// Domain names one client-side cache.
type Domain string

const (
	DomainBotStatus         Domain = "botStatus"
	DomainSubbotDirectory   Domain = "subbotDirectory"
	DomainDashboardCounters Domain = "dashboardCounters"
	DomainLogTail           Domain = "logTail"
)

// BotStatus is the last-known main-bot state.
type BotStatus struct {
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
	QRCode    string `json:"qrCode,omitempty"`
	Battery   int    `json:"battery,omitempty"`
	Uptime    int64  `json:"uptime,omitempty"`
}

// SubbotDirectory is the last-known subbot list. Mutation events do not carry
// the new list, so they only mark it stale; a consumer refetches over REST
// and installs the result with ResolveDirectory.
type SubbotDirectory struct {
	Subbots []protocol.SubbotInfo `json:"subbots"`
	Stale   bool                  `json:"stale"`
}

// SystemMetrics mirrors the backend host metrics.
type SystemMetrics struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Uptime int64   `json:"uptime"`
}

// Counters is the dashboard counter cache. Entity mutation events invalidate
// it rather than increment: without an event identity a redelivered event
// would double-count, so a stale flag plus a stats refetch is the only safe
// apply.
type Counters struct {
	Users    int           `json:"users"`
	Groups   int           `json:"groups"`
	Aportes  int           `json:"aportes"`
	Pedidos  int           `json:"pedidos"`
	Subbots  int           `json:"subbots"`
	Messages int           `json:"messages"`
	System   SystemMetrics `json:"system"`
	Stale    bool          `json:"stale"`
}

// Watcher receives the cache revision after each successful apply.
type Watcher func(revision uint64)

// Reconciler owns the four domain caches. It is their single writer: all
// mutation happens on the registry dispatch loop or through ResolveDirectory;
// consumers read immutable snapshots.
type Reconciler struct {
	log      zerolog.Logger
	logLimit int

	mu          sync.RWMutex
	bot         BotStatus
	botRev      uint64
	dir         SubbotDirectory
	dirRev      uint64
	counters    Counters
	countersRev uint64
	logs        []protocol.LogEntryPayload
	logsRev     uint64

	watchers  map[Domain]map[int64]Watcher
	nextWatch int64

	disposers []func()
}

// NewReconciler creates the reconciler with empty caches.
func NewReconciler(cfg *config.Config, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		log:      log.With().Str("component", "reconciler").Logger(),
		logLimit: cfg.LogTailLimit,
		watchers: make(map[Domain]map[int64]Watcher),
	}
}

// Bind subscribes every channel the caches declare. Call Close to release
// the subscriptions.
func (r *Reconciler) Bind(reg *realtime.Registry) {
	sub := func(channel string, fn realtime.Handler) {
		r.disposers = append(r.disposers, reg.Subscribe(channel, fn))
	}

	// botStatus: replace + merge semantics.
	sub(protocol.ChanBotStatus, r.applyBotStatus)
	sub(protocol.ChanBotQR, r.applyBotQR)
	sub(protocol.ChanBotConnected, r.applyBotConnected)
	sub(protocol.ChanBotDisconnected, r.applyBotDisconnected)

	// subbotDirectory: replace on full snapshot, invalidate on mutations.
	sub(protocol.ChanSubbotStatus, r.applySubbotStatus)
	for _, ch := range []string{
		protocol.ChanSubbotCreated, protocol.ChanSubbotDeleted,
		protocol.ChanSubbotConnected, protocol.ChanSubbotDisconnected,
	} {
		sub(ch, func(json.RawMessage) { r.invalidateDirectory() })
	}

	// dashboardCounters: replace on stats, merge on system metrics,
	// invalidate on entity mutations.
	sub(protocol.ChanStatsUpdate, r.applyStats)
	sub(protocol.ChanSystemStats, r.applySystemStats)
	for _, ch := range []string{
		protocol.ChanAporteCreated, protocol.ChanAporteUpdated, protocol.ChanAporteDeleted,
		protocol.ChanPedidoCreated, protocol.ChanPedidoUpdated, protocol.ChanPedidoDeleted,
		protocol.ChanGrupoUpdated, protocol.ChanGrupoSynced,
		protocol.ChanUsuarioCreated, protocol.ChanUsuarioUpdated,
		protocol.ChanBotMessage,
	} {
		sub(ch, func(json.RawMessage) { r.invalidateCounters() })
	}

	// logTail: bounded append.
	sub(protocol.ChanLogEntry, r.applyLogEntry)
}

// Close releases all channel subscriptions.
func (r *Reconciler) Close() {
	for _, dispose := range r.disposers {
		dispose()
	}
	r.disposers = nil
}

// Watch registers a revision watcher for one domain; returns its disposer.
func (r *Reconciler) Watch(d Domain, fn Watcher) func() {
	r.mu.Lock()
	r.nextWatch++
	id := r.nextWatch
	if r.watchers[d] == nil {
		r.watchers[d] = make(map[int64]Watcher)
	}
	r.watchers[d][id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers[d], id)
			r.mu.Unlock()
		})
	}
}

// notify must not be called under r.mu.
func (r *Reconciler) notify(d Domain, rev uint64) {
	r.mu.RLock()
	fns := make([]Watcher, 0, len(r.watchers[d]))
	for _, fn := range r.watchers[d] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(rev)
	}
}

// BotStatus returns the bot cache snapshot and its revision.
func (r *Reconciler) BotStatus() (BotStatus, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bot, r.botRev
}

// SubbotDirectory returns the directory snapshot and its revision.
func (r *Reconciler) SubbotDirectory() (SubbotDirectory, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := SubbotDirectory{Stale: r.dir.Stale}
	snap.Subbots = make([]protocol.SubbotInfo, len(r.dir.Subbots))
	copy(snap.Subbots, r.dir.Subbots)
	return snap, r.dirRev
}

// Counters returns the counter snapshot and its revision.
func (r *Reconciler) Counters() (Counters, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters, r.countersRev
}

// LogTail returns the log tail snapshot, oldest first, and its revision.
func (r *Reconciler) LogTail() ([]protocol.LogEntryPayload, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]protocol.LogEntryPayload, len(r.logs))
	copy(entries, r.logs)
	return entries, r.logsRev
}

// ResolveDirectory installs a consumer-refetched subbot list and clears the
// stale flag.
func (r *Reconciler) ResolveDirectory(subbots []protocol.SubbotInfo) {
	r.mu.Lock()
	r.dir.Subbots = make([]protocol.SubbotInfo, len(subbots))
	copy(r.dir.Subbots, subbots)
	r.dir.Stale = false
	r.dirRev++
	rev := r.dirRev
	r.mu.Unlock()

	r.notify(DomainSubbotDirectory, rev)
}

func (r *Reconciler) applyBotStatus(payload json.RawMessage) {
	var p protocol.BotStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad bot:status payload")
		return
	}

	r.mu.Lock()
	r.bot = BotStatus{
		Connected: p.Connected,
		Phone:     p.Phone,
		QRCode:    p.QRCode,
		Battery:   p.Battery,
		Uptime:    p.Uptime,
	}
	r.botRev++
	rev := r.botRev
	r.mu.Unlock()

	r.notify(DomainBotStatus, rev)
}

func (r *Reconciler) applyBotQR(payload json.RawMessage) {
	var p protocol.BotQRPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad bot:qr payload")
		return
	}

	r.mu.Lock()
	r.bot.QRCode = p.QR
	r.bot.Connected = false
	r.botRev++
	rev := r.botRev
	r.mu.Unlock()

	r.notify(DomainBotStatus, rev)
}

func (r *Reconciler) applyBotConnected(payload json.RawMessage) {
	var p protocol.BotConnectedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad bot:connected payload")
		return
	}

	r.mu.Lock()
	r.bot.Connected = true
	r.bot.Phone = p.Phone
	r.bot.QRCode = ""
	r.botRev++
	rev := r.botRev
	r.mu.Unlock()

	r.notify(DomainBotStatus, rev)
}

func (r *Reconciler) applyBotDisconnected(payload json.RawMessage) {
	var p protocol.BotDisconnectedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad bot:disconnected payload")
		return
	}

	r.mu.Lock()
	r.bot.Connected = false
	r.botRev++
	rev := r.botRev
	r.mu.Unlock()

	r.notify(DomainBotStatus, rev)
}

func (r *Reconciler) applySubbotStatus(payload json.RawMessage) {
	var p protocol.SubbotStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad subbot:status payload")
		return
	}

	r.mu.Lock()
	r.dir.Subbots = make([]protocol.SubbotInfo, len(p.Subbots))
	copy(r.dir.Subbots, p.Subbots)
	r.dir.Stale = false
	r.dirRev++
	rev := r.dirRev
	r.mu.Unlock()

	r.notify(DomainSubbotDirectory, rev)
}

func (r *Reconciler) invalidateDirectory() {
	r.mu.Lock()
	r.dir.Stale = true
	r.dirRev++
	rev := r.dirRev
	r.mu.Unlock()

	r.notify(DomainSubbotDirectory, rev)
}

func (r *Reconciler) applyStats(payload json.RawMessage) {
	var p protocol.StatsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad stats:update payload")
		return
	}

	r.mu.Lock()
	system := r.counters.System
	r.counters = Counters{
		Users:    p.Users,
		Groups:   p.Groups,
		Aportes:  p.Aportes,
		Pedidos:  p.Pedidos,
		Subbots:  p.Subbots,
		Messages: p.Messages,
		System:   system,
		Stale:    false,
	}
	r.countersRev++
	rev := r.countersRev
	r.mu.Unlock()

	r.notify(DomainDashboardCounters, rev)
}

func (r *Reconciler) applySystemStats(payload json.RawMessage) {
	var p protocol.SystemStatsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad system:stats payload")
		return
	}

	r.mu.Lock()
	r.counters.System = SystemMetrics{CPU: p.CPU, Memory: p.Memory, Uptime: p.Uptime}
	r.countersRev++
	rev := r.countersRev
	r.mu.Unlock()

	r.notify(DomainDashboardCounters, rev)
}

func (r *Reconciler) invalidateCounters() {
	r.mu.Lock()
	r.counters.Stale = true
	r.countersRev++
	rev := r.countersRev
	r.mu.Unlock()

	r.notify(DomainDashboardCounters, rev)
}

func (r *Reconciler) applyLogEntry(payload json.RawMessage) {
	var p protocol.LogEntryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad log:entry payload")
		return
	}

	r.mu.Lock()
	r.logs = append(r.logs, p)
	if len(r.logs) > r.logLimit {
		r.logs = r.logs[len(r.logs)-r.logLimit:]
	}
	r.logsRev++
	rev := r.logsRev
	r.mu.Unlock()

	r.notify(DomainLogTail, rev)
}
