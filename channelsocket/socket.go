// Package channelsocket is the channel-multiplexing transport boundary the
// casting client is built on: one websocket carrying named channels with
// join/push receipts and presence sync, in the style of Phoenix channels.
// Consumers program against the Socket/Channel/Push interfaces; NewWebSocket
// provides the production implementation.
package channelsocket

import "time"

// Receipt statuses delivered through Push.Receive.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Protocol-level channel events.
const (
	EventJoin  = "phx_join"
	EventLeave = "phx_leave"
	EventReply = "phx_reply"
)

// Socket is a single multiplexed connection to the relay server.
type Socket interface {
	Connect() error
	Disconnect() error
	Channel(topic string, params map[string]any) Channel
	OnOpen(fn func())
	OnError(fn func(err error))
	OnClose(fn func())
	// OnRejoin fires when a channel is silently rejoined after an automatic
	// reconnect, with the topic and the server's join response.
	OnRejoin(fn func(topic string, payload map[string]any))
	IsConnected() bool
}

// Channel is one named topic on a Socket. A channel delivers server events
// registered with On and acknowledges joins and pushes through receipts.
type Channel interface {
	Topic() string
	Join(timeout time.Duration) Push
	Leave()
	Push(event string, payload map[string]any, timeout time.Duration) Push
	On(event string, fn func(payload map[string]any))
}

// Push is an in-flight join or push. Callbacks registered after resolution
// for the winning status fire immediately.
type Push interface {
	Receive(status string, fn func(payload map[string]any)) Push
}
