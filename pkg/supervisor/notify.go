package supervisor

const (
	EventConnected          = "mcp-connected"
	EventMaxRestartsReached = "mcp_max_restarts_reached"
)

// ConnectedPayload is sent with EventConnected.
type ConnectedPayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MaxRestartsPayload is sent with EventMaxRestartsReached.
type MaxRestartsPayload struct {
	Server      string `json:"server"`
	MaxRestarts int    `json:"max_restarts"`
}

// Notifier delivers lifecycle events to whoever is listening.
// Notify must not block.
type Notifier interface {
	Notify(event string, payload interface{})
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, interface{}) {}
