// Package ptymidi exposes a virtual serial MIDI port: other programs open
// the pseudo-terminal slave and exchange raw MIDI bytes with the bridge.
package ptymidi

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/ptyio"
	"github.com/srg/blemidi/internal/source"
)

// DefaultPortName is the name Ports reports when no symlink is configured.
const DefaultPortName = "pty"

// Options configures a virtual port.
type Options struct {
	// Symlink is a stable path pointing at the slave device. Open's name
	// argument overrides it.
	Symlink  string
	ReadCap  int
	WriteCap int
	MaxSysEx int
	Logger   *logrus.Logger
}

// Port is a source.Endpoint over a pseudo-terminal.
type Port struct {
	opts   Options
	logger *logrus.Logger

	// openPTY is replaceable in tests.
	openPTY func(ptyio.Options) (ptyio.PTY, error)

	mu      sync.Mutex
	handler source.Handler
	pty     ptyio.PTY
	framer  *packet.Framer

	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ source.Endpoint = (*Port)(nil)
	_ source.Finisher = (*Port)(nil)
)

func New(opts Options) *Port {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	framer := packet.NewFramer()
	if opts.MaxSysEx > 0 {
		framer.MaxSysEx = opts.MaxSysEx
	}
	return &Port{
		opts:    opts,
		logger:  logger,
		openPTY: ptyio.Open,
		framer:  framer,
		done:    make(chan struct{}),
	}
}

// Available is always true; pseudo-terminals exist on every supported host.
func (p *Port) Available() bool {
	return true
}

// Ports returns the single name Open accepts by default.
func (p *Port) Ports() ([]string, error) {
	if p.opts.Symlink != "" {
		return []string{p.opts.Symlink}, nil
	}
	return []string{DefaultPortName}, nil
}

func (p *Port) OnEvents(h source.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Open creates the pseudo-terminal. name is used as the symlink path unless
// it is empty or DefaultPortName.
func (p *Port) Open(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pty != nil {
		return fmt.Errorf("virtual MIDI port %s is already open", p.pty.Path())
	}
	select {
	case <-p.done:
		return fmt.Errorf("virtual MIDI port is disconnected")
	default:
	}

	link := p.opts.Symlink
	if name != "" && name != DefaultPortName {
		link = name
	}
	pty, err := p.openPTY(ptyio.Options{
		ReadCap:  p.opts.ReadCap,
		WriteCap: p.opts.WriteCap,
		Symlink:  link,
		Logger:   p.logger,
		OnError: func(err error) {
			p.logger.WithError(err).Warn("Virtual MIDI port failed")
			p.finish()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open virtual MIDI port: %w", err)
	}
	p.pty = pty
	pty.SetReadCallback(p.receive)

	p.logger.WithField("path", pty.Path()).Info("Virtual MIDI port ready")
	return nil
}

// receive runs on the PTY dispatcher goroutine only, so the framer needs
// no further locking.
func (p *Port) receive(data []byte) {
	events := p.framer.Feed(data)
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	if p.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, ev := range events {
			p.logger.WithField("event", packet.Describe(ev)).Debug("Virtual port event")
		}
	}
	h(events)
}

// Path returns where peers should open the port, or "" before Open.
func (p *Port) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pty == nil {
		return ""
	}
	return p.pty.Path()
}

// Deliver writes ev to the slave side.
func (p *Port) Deliver(ev packet.RawEvent) error {
	p.mu.Lock()
	pty := p.pty
	p.mu.Unlock()
	if pty == nil {
		return source.ErrNotOpen
	}
	n, err := pty.Write(ev)
	if err != nil {
		return fmt.Errorf("failed to write virtual MIDI port: %w", err)
	}
	if n < len(ev) {
		return fmt.Errorf("virtual MIDI port buffer full: wrote %d of %d bytes", n, len(ev))
	}
	return nil
}

// Done is closed when the port stops delivering events.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

func (p *Port) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Disconnect closes the pseudo-terminal and removes its symlink.
func (p *Port) Disconnect() error {
	p.mu.Lock()
	pty := p.pty
	p.pty = nil
	p.mu.Unlock()

	defer p.finish()
	if pty == nil {
		return nil
	}
	pty.SetReadCallback(nil)
	return pty.Close()
}
