// Package source defines the local MIDI endpoints the bridge reads events
// from and delivers inbound events to.
package source

import (
	"errors"

	"github.com/srg/blemidi/internal/packet"
)

// Kinds of local endpoint.
const (
	KindMIDIPort = "midiport" // system MIDI port via rtmidi
	KindPTY      = "pty"      // virtual serial port carrying raw MIDI bytes
)

var (
	// ErrUnavailable is returned by Open when the endpoint cannot be used on this host.
	ErrUnavailable = errors.New("midi source unavailable")
	// ErrNotOpen is returned by operations that need an opened endpoint.
	ErrNotOpen = errors.New("midi source not open")
)

// Handler receives events from a Source. It is called on the source's own
// goroutine and may block; a blocking handler stalls the source.
type Handler func(events []packet.RawEvent)

// Source produces MIDI events.
type Source interface {
	// Available reports whether the backend can be used at all.
	Available() bool

	// Ports lists the names Open accepts.
	Ports() ([]string, error)

	// Open connects to the named port. An empty name selects the first port.
	Open(name string) error

	// OnEvents registers the handler. It must be set before Open.
	OnEvents(h Handler)

	// Disconnect stops event delivery. It is safe to call more than once.
	Disconnect() error
}

// Finisher is implemented by sources that can end on their own, such as a
// device being unplugged. Done is closed once no further events will arrive.
type Finisher interface {
	Done() <-chan struct{}
}

// Sink consumes MIDI events received from the BLE side.
type Sink interface {
	Deliver(ev packet.RawEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev packet.RawEvent) error

func (f SinkFunc) Deliver(ev packet.RawEvent) error {
	return f(ev)
}

// Endpoint is a Source that can also deliver events back, like a
// bidirectional MIDI port.
type Endpoint interface {
	Source
	Sink
}
