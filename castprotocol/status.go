package castprotocol

// Status is the client's connection state. Error and disconnected are
// reachable from any state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)
