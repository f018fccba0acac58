// Package midiport adapts system MIDI ports, as exposed by a gomidi driver,
// to source.Source and source.Sink.
package midiport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/source"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Port reads events from one MIDI input and optionally writes inbound BLE
// events to one MIDI output. A Port is single use: once disconnected it
// cannot be reopened.
type Port struct {
	drv    drivers.Driver
	logger *logrus.Logger

	mu      sync.Mutex
	handler source.Handler
	in      drivers.In
	out     drivers.Out
	send    func(midi.Message) error
	stop    func()

	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ source.Endpoint = (*Port)(nil)
	_ source.Finisher = (*Port)(nil)
)

// New creates a port over drv. A nil driver yields a port whose Available
// reports false.
func New(drv drivers.Driver, logger *logrus.Logger) *Port {
	if logger == nil {
		logger = logrus.New()
	}
	return &Port{drv: drv, logger: logger, done: make(chan struct{})}
}

func (p *Port) Available() bool {
	return p.drv != nil
}

// Ports lists MIDI input names.
func (p *Port) Ports() ([]string, error) {
	if p.drv == nil {
		return nil, source.ErrUnavailable
	}
	ins, err := p.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI inputs: %w", err)
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names, nil
}

// OutPorts lists MIDI output names.
func (p *Port) OutPorts() ([]string, error) {
	if p.drv == nil {
		return nil, source.ErrUnavailable
	}
	outs, err := p.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("failed to list MIDI outputs: %w", err)
	}
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names, nil
}

func (p *Port) OnEvents(h source.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Open starts listening on the named input. An empty name selects the
// first input.
func (p *Port) Open(name string) error {
	if p.drv == nil {
		return source.ErrUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in != nil {
		return fmt.Errorf("MIDI input %q is already open", p.in.String())
	}
	if p.isDone() {
		return fmt.Errorf("MIDI port is disconnected")
	}

	ins, err := p.drv.Ins()
	if err != nil {
		return fmt.Errorf("failed to list MIDI inputs: %w", err)
	}
	in, err := pick(ins, name, "input")
	if err != nil {
		return err
	}

	logger := p.logger.WithField("port", in.String())
	logger.Info("Opening MIDI input")
	if err := in.Open(); err != nil {
		return fmt.Errorf("failed to open MIDI input %q: %w", in.String(), err)
	}

	stop, err := midi.ListenTo(in, p.receive, midi.UseSysEx(), midi.HandleError(func(listenErr error) {
		logger.WithError(listenErr).Warn("MIDI listener error, device likely disconnected")
		p.finish()
	}))
	if err != nil {
		_ = in.Close()
		return fmt.Errorf("failed to listen on MIDI input %q: %w", in.String(), err)
	}
	p.in = in
	p.stop = stop
	logger.Info("MIDI input connected")
	return nil
}

// OpenOutput opens the named output for Deliver. An empty name selects the
// first output.
func (p *Port) OpenOutput(name string) error {
	if p.drv == nil {
		return source.ErrUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil {
		return fmt.Errorf("MIDI output %q is already open", p.out.String())
	}

	outs, err := p.drv.Outs()
	if err != nil {
		return fmt.Errorf("failed to list MIDI outputs: %w", err)
	}
	out, err := pick(outs, name, "output")
	if err != nil {
		return err
	}
	if err := out.Open(); err != nil {
		return fmt.Errorf("failed to open MIDI output %q: %w", out.String(), err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to send to MIDI output %q: %w", out.String(), err)
	}
	p.out = out
	p.send = send
	p.logger.WithField("port", out.String()).Info("MIDI output connected")
	return nil
}

func (p *Port) receive(msg midi.Message, _ int32) {
	if len(msg) == 0 {
		return
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	ev := make(packet.RawEvent, len(msg))
	copy(ev, msg)
	if p.logger.IsLevelEnabled(logrus.DebugLevel) {
		p.logger.WithField("event", msg.String()).Debug("MIDI input event")
	}
	h([]packet.RawEvent{ev})
}

// Deliver writes ev to the opened output.
func (p *Port) Deliver(ev packet.RawEvent) error {
	p.mu.Lock()
	send := p.send
	p.mu.Unlock()
	if send == nil {
		return source.ErrNotOpen
	}
	if err := send(midi.Message(ev)); err != nil {
		return fmt.Errorf("failed to write MIDI output: %w", err)
	}
	return nil
}

// Done is closed when the input stops delivering events.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

func (p *Port) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Port) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Disconnect stops listening and closes both ports.
func (p *Port) Disconnect() error {
	p.mu.Lock()
	stop, in, out := p.stop, p.in, p.out
	p.stop, p.in, p.out, p.send = nil, nil, nil, nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	var errs []error
	if in != nil {
		if err := in.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input %q: %w", in.String(), err))
		}
	}
	if out != nil {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output %q: %w", out.String(), err))
		}
	}
	p.finish()
	return errors.Join(errs...)
}

// Close disconnects and releases the driver.
func (p *Port) Close() error {
	err := p.Disconnect()
	if p.drv != nil {
		err = errors.Join(err, p.drv.Close())
	}
	return err
}

type namedPort interface {
	String() string
}

func pick[T namedPort](ports []T, name, kind string) (T, error) {
	var zero T
	if len(ports) == 0 {
		return zero, fmt.Errorf("no MIDI %s available", kind)
	}
	if name == "" {
		return ports[0], nil
	}
	for _, port := range ports {
		if port.String() == name {
			return port, nil
		}
	}
	return zero, fmt.Errorf("MIDI %s %q not found", kind, name)
}
