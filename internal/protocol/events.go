// Package protocol defines the wire contract shared with the control-plane
// backend: the event envelope, the channel catalog, and the payload types.
package protocol

import "encoding/json"

// Event is the envelope for every message on the push channel.
type Event struct {
	Channel string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent creates an event for the given channel and payload.
func NewEvent(channel string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Channel: channel,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (e *Event) ParsePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Inbound channels (server → client). Names are part of the wire contract.
const (
	ChanBotStatus       = "bot:status"
	ChanBotQR           = "bot:qr"
	ChanBotConnected    = "bot:connected"
	ChanBotDisconnected = "bot:disconnected"
	ChanBotMessage      = "bot:message"

	ChanSubbotCreated      = "subbot:created"
	ChanSubbotQR           = "subbot:qr"
	ChanSubbotPairingCode  = "subbot:pairingCode"
	ChanSubbotConnected    = "subbot:connected"
	ChanSubbotDisconnected = "subbot:disconnected"
	ChanSubbotDeleted      = "subbot:deleted"
	ChanSubbotStatus       = "subbot:status"

	ChanStatsUpdate = "stats:update"
	ChanSystemStats = "system:stats"
	ChanLogEntry    = "log:entry"

	ChanAporteCreated  = "aporte:created"
	ChanAporteUpdated  = "aporte:updated"
	ChanAporteDeleted  = "aporte:deleted"
	ChanPedidoCreated  = "pedido:created"
	ChanPedidoUpdated  = "pedido:updated"
	ChanPedidoDeleted  = "pedido:deleted"
	ChanGrupoUpdated   = "grupo:updated"
	ChanGrupoSynced    = "grupo:synced"
	ChanUsuarioCreated = "usuario:created"
	ChanUsuarioUpdated = "usuario:updated"

	ChanNotification = "notification"
)

// Outbound channels (client → server, fire-and-forget).
const (
	ChanSubscribe           = "subscribe"
	ChanUnsubscribe         = "unsubscribe"
	ChanRequestBotStatus    = "request:botStatus"
	ChanRequestSubbotStatus = "request:subbotStatus"
	ChanRequestStats        = "request:stats"
)

// DefaultChannels is the inbound set subscribed on every (re)connect.
var DefaultChannels = []string{
	ChanBotStatus, ChanBotQR, ChanBotConnected, ChanBotDisconnected,
	ChanBotMessage,
	ChanSubbotCreated, ChanSubbotQR, ChanSubbotPairingCode,
	ChanSubbotConnected, ChanSubbotDisconnected, ChanSubbotDeleted,
	ChanSubbotStatus,
	ChanStatsUpdate, ChanSystemStats, ChanLogEntry,
	ChanAporteCreated, ChanAporteUpdated, ChanAporteDeleted,
	ChanPedidoCreated, ChanPedidoUpdated, ChanPedidoDeleted,
	ChanGrupoUpdated, ChanGrupoSynced,
	ChanUsuarioCreated, ChanUsuarioUpdated,
	ChanNotification,
}

// BotStatusPayload is the full bot status snapshot (bot:status).
type BotStatusPayload struct {
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
	QRCode    string `json:"qrCode,omitempty"`
	Battery   int    `json:"battery,omitempty"`
	Uptime    int64  `json:"uptime,omitempty"`
}

// BotConnectedPayload is sent when the main bot links to a phone.
type BotConnectedPayload struct {
	Phone string `json:"phone"`
}

// BotDisconnectedPayload carries the disconnect reason, if any.
type BotDisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// BotQRPayload carries a fresh login QR for the main bot.
type BotQRPayload struct {
	QR string `json:"qr"`
}

// SubbotEventPayload is shared by all subbot:* events. Exactly one of QR or
// PairingCode is set on issue events.
type SubbotEventPayload struct {
	SubbotCode  string `json:"subbotCode"`
	QR          string `json:"qr,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SubbotInfo describes one entry of the subbot directory (subbot:status).
type SubbotInfo struct {
	Code      string `json:"code"`
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
	Groups    int    `json:"groups,omitempty"`
}

// SubbotStatusPayload is the full subbot directory snapshot.
type SubbotStatusPayload struct {
	Subbots []SubbotInfo `json:"subbots"`
}

// StatsPayload is the dashboard counter snapshot (stats:update).
type StatsPayload struct {
	Users    int `json:"users"`
	Groups   int `json:"groups"`
	Aportes  int `json:"aportes"`
	Pedidos  int `json:"pedidos"`
	Subbots  int `json:"subbots"`
	Messages int `json:"messages"`
}

// SystemStatsPayload carries host metrics of the backend (system:stats).
type SystemStatsPayload struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Uptime int64   `json:"uptime"`
}

// LogEntryPayload is one line of the backend log stream (log:entry).
type LogEntryPayload struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NotificationPayload is a raw pass-through notification event. DurationMs
// distinguishes absent (nil, use the kind default) from an explicit 0
// (persistent, no auto-dismiss).
type NotificationPayload struct {
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	DurationMs *int   `json:"duration,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
}

// SubscribePayload lists channels for subscribe/unsubscribe requests.
type SubscribePayload struct {
	Channels []string `json:"channels"`
}
