package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/source"
	"github.com/stretchr/testify/mock"
)

// FakeSource is a source.Source whose events are pushed by the test through Emit.
type FakeSource struct {
	mu          sync.Mutex
	ports       []string
	handler     source.Handler
	opened      string
	open        bool
	disconnects int
	unavailable bool
	OpenErr     error

	done     chan struct{}
	doneOnce sync.Once
}

// NewFakeSource creates an available source offering ports.
func NewFakeSource(ports ...string) *FakeSource {
	if len(ports) == 0 {
		ports = []string{"Fake MIDI Out"}
	}
	return &FakeSource{ports: ports, done: make(chan struct{})}
}

// Unavailable marks the backend as unusable.
func (s *FakeSource) Unavailable() *FakeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = true
	return s
}

func (s *FakeSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *FakeSource) Ports() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ports...), nil
}

func (s *FakeSource) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	if name == "" {
		name = s.ports[0]
	}
	found := false
	for _, p := range s.ports {
		if p == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no such port %q", name)
	}
	s.opened = name
	s.open = true
	return nil
}

func (s *FakeSource) OnEvents(h source.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *FakeSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.open = false
	return nil
}

// Emit pushes events through the registered handler on the caller's
// goroutine, the way a driver callback would.
func (s *FakeSource) Emit(events ...packet.RawEvent) bool {
	s.mu.Lock()
	h, open := s.handler, s.open
	s.mu.Unlock()
	if h == nil || !open {
		return false
	}
	h(events)
	return true
}

// Finish simulates the device going away: Done is closed.
func (s *FakeSource) Finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *FakeSource) Done() <-chan struct{} {
	return s.done
}

// Opened returns the name of the opened port.
func (s *FakeSource) Opened() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// IsOpen reports whether the source is open and not yet disconnected.
func (s *FakeSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Disconnects returns how many times Disconnect was called.
func (s *FakeSource) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// MockSink is a testify mock of source.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Deliver(ev packet.RawEvent) error {
	args := m.Called(ev)
	return args.Error(0)
}

// RecordingSink collects delivered events.
type RecordingSink struct {
	mu     sync.Mutex
	events []packet.RawEvent
	ch     chan packet.RawEvent
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{ch: make(chan packet.RawEvent, 64)}
}

func (r *RecordingSink) Deliver(ev packet.RawEvent) error {
	cp := append(packet.RawEvent(nil), ev...)
	r.mu.Lock()
	r.events = append(r.events, cp)
	r.mu.Unlock()
	select {
	case r.ch <- cp:
	default:
	}
	return nil
}

// Events returns every delivered event.
func (r *RecordingSink) Events() []packet.RawEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.RawEvent(nil), r.events...)
}

// Delivered reports each event as it arrives.
func (r *RecordingSink) Delivered() <-chan packet.RawEvent {
	return r.ch
}
