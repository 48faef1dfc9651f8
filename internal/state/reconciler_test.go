package state

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/painelbot/painelbot/internal/config"
	"github.com/painelbot/painelbot/internal/protocol"
	"github.com/painelbot/painelbot/internal/realtime"
)

func newTestReconciler(t *testing.T) (*Reconciler, *realtime.Registry) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LogTailLimit = 5
	reg := realtime.NewRegistry(zerolog.Nop())
	r := NewReconciler(cfg, zerolog.Nop())
	r.Bind(reg)
	t.Cleanup(r.Close)
	return r, reg
}

func TestReconciler_BotConnectedMerge(t *testing.T) {
	r, reg := newTestReconciler(t)

	// A QR is outstanding before the bot links.
	reg.Dispatch(protocol.ChanBotQR, json.RawMessage(`{"qr":"data..."}`))
	bot, rev1 := r.BotStatus()
	require.Equal(t, "data...", bot.QRCode)

	reg.Dispatch(protocol.ChanBotConnected, json.RawMessage(`{"phone":"5551234567"}`))

	bot, rev2 := r.BotStatus()
	assert.True(t, bot.Connected)
	assert.Equal(t, "5551234567", bot.Phone)
	assert.Empty(t, bot.QRCode, "connect must clear the outstanding QR")
	assert.Greater(t, rev2, rev1)
}

func TestReconciler_MergeIsIdempotent(t *testing.T) {
	r, reg := newTestReconciler(t)

	payload := json.RawMessage(`{"phone":"5551234567"}`)
	reg.Dispatch(protocol.ChanBotConnected, payload)
	first, _ := r.BotStatus()

	reg.Dispatch(protocol.ChanBotConnected, payload)
	second, _ := r.BotStatus()

	assert.Equal(t, first, second, "re-applying the same merge must not change the value")
}

func TestReconciler_BotStatusReplace(t *testing.T) {
	r, reg := newTestReconciler(t)

	reg.Dispatch(protocol.ChanBotConnected, json.RawMessage(`{"phone":"111"}`))
	reg.Dispatch(protocol.ChanBotStatus, json.RawMessage(`{"connected":false,"battery":42}`))

	bot, _ := r.BotStatus()
	assert.False(t, bot.Connected)
	assert.Equal(t, 42, bot.Battery)
	assert.Empty(t, bot.Phone, "a full snapshot overwrites the whole value")
}

func TestReconciler_DirectoryInvalidateAndResolve(t *testing.T) {
	r, reg := newTestReconciler(t)

	reg.Dispatch(protocol.ChanSubbotStatus, json.RawMessage(`{"subbots":[{"code":"s1","connected":true}]}`))
	dir, _ := r.SubbotDirectory()
	require.Len(t, dir.Subbots, 1)
	require.False(t, dir.Stale)

	// A created event does not carry the list; it only marks it stale.
	reg.Dispatch(protocol.ChanSubbotCreated, json.RawMessage(`{"subbotCode":"s2"}`))
	dir, rev := r.SubbotDirectory()
	assert.True(t, dir.Stale)
	assert.Len(t, dir.Subbots, 1, "invalidation keeps the last-known list")

	r.ResolveDirectory([]protocol.SubbotInfo{
		{Code: "s1", Connected: true},
		{Code: "s2"},
	})
	dir, rev2 := r.SubbotDirectory()
	assert.False(t, dir.Stale)
	assert.Len(t, dir.Subbots, 2)
	assert.Greater(t, rev2, rev)
}

func TestReconciler_CountersReplaceAndSystemMerge(t *testing.T) {
	r, reg := newTestReconciler(t)

	reg.Dispatch(protocol.ChanSystemStats, json.RawMessage(`{"cpu":12.5,"memory":33.0,"uptime":60}`))
	reg.Dispatch(protocol.ChanStatsUpdate, json.RawMessage(`{"users":10,"groups":3,"aportes":7}`))

	c, _ := r.Counters()
	assert.Equal(t, 10, c.Users)
	assert.Equal(t, 7, c.Aportes)
	assert.Equal(t, 12.5, c.System.CPU, "stats replace keeps merged system metrics")
	assert.False(t, c.Stale)
}

func TestReconciler_EntityEventsInvalidateCounters(t *testing.T) {
	r, reg := newTestReconciler(t)

	reg.Dispatch(protocol.ChanStatsUpdate, json.RawMessage(`{"users":10}`))
	_, rev := r.Counters()

	// Mutation events carry no identity, so the only safe apply is a
	// stale mark followed by a stats refetch.
	reg.Dispatch(protocol.ChanAporteCreated, json.RawMessage(`{"id":1}`))

	c, rev2 := r.Counters()
	assert.True(t, c.Stale)
	assert.Equal(t, 10, c.Users, "invalidation keeps the last-known counters")
	assert.Greater(t, rev2, rev)
}

func TestReconciler_LogTailBounded(t *testing.T) {
	r, reg := newTestReconciler(t) // limit 5

	for i := 0; i < 8; i++ {
		entry := fmt.Sprintf(`{"level":"info","message":"line %d"}`, i)
		reg.Dispatch(protocol.ChanLogEntry, json.RawMessage(entry))
	}

	logs, _ := r.LogTail()
	require.Len(t, logs, 5)
	assert.Equal(t, "line 3", logs[0].Message, "oldest entries beyond the limit are dropped")
	assert.Equal(t, "line 7", logs[4].Message)
}

func TestReconciler_WatchSignalsRevision(t *testing.T) {
	r, reg := newTestReconciler(t)

	var revs []uint64
	dispose := r.Watch(DomainBotStatus, func(rev uint64) { revs = append(revs, rev) })

	reg.Dispatch(protocol.ChanBotConnected, json.RawMessage(`{"phone":"111"}`))
	reg.Dispatch(protocol.ChanBotDisconnected, json.RawMessage(`{}`))
	dispose()
	reg.Dispatch(protocol.ChanBotConnected, json.RawMessage(`{"phone":"111"}`))

	assert.Equal(t, []uint64{1, 2}, revs)
}

func TestReconciler_MalformedPayloadKeepsRevision(t *testing.T) {
	r, reg := newTestReconciler(t)

	reg.Dispatch(protocol.ChanBotConnected, json.RawMessage(`{"phone":"111"}`))
	_, rev := r.BotStatus()

	reg.Dispatch(protocol.ChanBotConnected, json.RawMessage(`not json`))

	bot, rev2 := r.BotStatus()
	assert.Equal(t, rev, rev2, "a failed apply must not bump the revision")
	assert.Equal(t, "111", bot.Phone)
}
