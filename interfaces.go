package rfm9x

// Level represents the logical level of a pin (Low or High).
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Pull represents the internal pull-up/down resistor state.
type Pull uint8

const (
	PullNoChange Pull = iota
	PullFloat
	PullDown
	PullUp
)

// Edge represents the signal edge to trigger an interrupt.
type Edge uint8

const (
	NoEdge Edge = iota
	RisingEdge
	FallingEdge
	BothEdges
)

// SPI represents a half-duplex register bus to the transceiver.
// Each call is one chip-select framed transaction.
type SPI interface {
	// Tx sends w and reads into r.
	// len(r) must be >= len(w).
	Tx(w, r []byte) error
}

// Pin represents a generic GPIO pin.
type Pin interface {
	// Out sets the pin as output with the given level.
	Out(l Level) error
	// In sets the pin as input with the given pull mode.
	In(pull Pull) error
	// Read returns the current level of the pin.
	Read() Level
	// Watch configures an interrupt/callback on the specified edge.
	// The handler should be called when the edge is detected.
	Watch(edge Edge, handler func()) error
	// Unwatch removes the interrupt/callback.
	Unwatch() error
}

// ReceiveHandler is notified of every plain frame delivered to this node, and
// is asked for the reply payload when this node terminates a relay path.
// It runs on the interrupt goroutine for direct frames and must not call back
// into the Device.
type ReceiveHandler interface {
	OnReceive(msg ReceivedMessage) []byte
}

// ReceiveFunc adapts a function to ReceiveHandler.
type ReceiveFunc func(msg ReceivedMessage) []byte

func (f ReceiveFunc) OnReceive(msg ReceivedMessage) []byte { return f(msg) }

// Recorder is a persistent, fire-and-forget journal of protocol events.
type Recorder interface {
	Record(text string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string) {}
