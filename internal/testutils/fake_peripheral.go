package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
)

// Notification is one Notify call recorded by FakePeripheralStack.
type Notification struct {
	Characteristic string
	Data           []byte
	Subscribers    int
}

// FakePeripheralStack is an in-memory device.PeripheralStack. Tests drive the
// radio side through SetPowered, Subscribe, Read and Write.
type FakePeripheralStack struct {
	mu          sync.Mutex
	powered     bool
	closed      bool
	services    []*gatt.Service
	advertising bool
	advName     string
	advUUIDs    []string
	subs        map[string]map[string]bool // char -> central -> subscribed
	notes       []Notification
	stopAdvs    int
	clears      int

	AddServiceErr error
	AdvertiseErr  error
	NotifyErr     error

	events chan device.PeripheralEvent
	notify chan Notification
}

// NewFakePeripheralStack creates a stack in the given power state.
func NewFakePeripheralStack(powered bool) *FakePeripheralStack {
	return &FakePeripheralStack{
		powered: powered,
		subs:    make(map[string]map[string]bool),
		events:  make(chan device.PeripheralEvent, 64),
		notify:  make(chan Notification, 64),
	}
}

func (f *FakePeripheralStack) Powered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powered
}

func (f *FakePeripheralStack) Events() <-chan device.PeripheralEvent {
	return f.events
}

func (f *FakePeripheralStack) AddService(svc *gatt.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AddServiceErr != nil {
		return f.AddServiceErr
	}
	f.services = append(f.services, svc)
	return nil
}

func (f *FakePeripheralStack) Advertise(_ context.Context, name string, serviceUUIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AdvertiseErr != nil {
		return f.AdvertiseErr
	}
	f.advertising = true
	f.advName = name
	f.advUUIDs = append([]string(nil), serviceUUIDs...)
	return nil
}

func (f *FakePeripheralStack) StopAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advertising {
		f.stopAdvs++
	}
	f.advertising = false
	return nil
}

func (f *FakePeripheralStack) ClearSubscriptions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.subs = make(map[string]map[string]bool)
}

func (f *FakePeripheralStack) Notify(charUUID string, data []byte) (int, error) {
	f.mu.Lock()
	if f.NotifyErr != nil {
		err := f.NotifyErr
		f.mu.Unlock()
		return 0, err
	}
	key := gatt.NormalizeUUID(charUUID)
	n := 0
	for _, on := range f.subs[key] {
		if on {
			n++
		}
	}
	note := Notification{Characteristic: key, Data: append([]byte(nil), data...), Subscribers: n}
	f.notes = append(f.notes, note)
	f.mu.Unlock()

	select {
	case f.notify <- note:
	default:
	}
	return n, nil
}

func (f *FakePeripheralStack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.advertising = false
	f.subs = make(map[string]map[string]bool)
	close(f.events)
	return nil
}

func (f *FakePeripheralStack) emit(ev device.PeripheralEvent) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.events <- ev
}

// SetPowered changes the radio state and reports it as a StateUpdate.
func (f *FakePeripheralStack) SetPowered(powered bool) {
	f.mu.Lock()
	f.powered = powered
	f.mu.Unlock()
	f.emit(device.StateUpdate{Powered: powered})
}

// Subscribe simulates a central toggling notifications on charUUID.
func (f *FakePeripheralStack) Subscribe(charUUID, central string, on bool) {
	key := gatt.NormalizeUUID(charUUID)
	f.mu.Lock()
	if f.subs[key] == nil {
		f.subs[key] = make(map[string]bool)
	}
	if on {
		f.subs[key][central] = true
	} else {
		delete(f.subs[key], central)
	}
	f.mu.Unlock()
	f.emit(device.SubscriptionUpdate{Characteristic: key, Central: central, Subscribed: on})
}

// Read issues a read request and waits for the response.
func (f *FakePeripheralStack) Read(charUUID string, offset int) device.Response {
	r := device.NewResponder()
	f.emit(device.ReadRequest{
		Characteristic: gatt.NormalizeUUID(charUUID),
		Central:        "central-1",
		Offset:         offset,
		Responder:      r,
	})
	return r.Wait(context.Background(), time.Second)
}

// Write issues a write request and waits for the response.
func (f *FakePeripheralStack) Write(charUUID string, offset int, value []byte) device.Response {
	r := device.NewResponder()
	f.emit(device.WriteRequest{
		Characteristic:  gatt.NormalizeUUID(charUUID),
		Central:         "central-1",
		Offset:          offset,
		Value:           value,
		WithoutResponse: true,
		Responder:       r,
	})
	return r.Wait(context.Background(), time.Second)
}

// Services returns every registered service.
func (f *FakePeripheralStack) Services() []*gatt.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gatt.Service(nil), f.services...)
}

// Advertising reports the current advertising state and its parameters.
func (f *FakePeripheralStack) Advertising() (on bool, name string, uuids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising, f.advName, append([]string(nil), f.advUUIDs...)
}

// StopAdvertisingCalls counts StopAdvertising calls that ended advertising.
func (f *FakePeripheralStack) StopAdvertisingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopAdvs
}

// ClearSubscriptionsCalls counts ClearSubscriptions calls.
func (f *FakePeripheralStack) ClearSubscriptionsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

// Notifications returns every recorded Notify call.
func (f *FakePeripheralStack) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notes...)
}

// Notified delivers each Notify call as it happens.
func (f *FakePeripheralStack) Notified() <-chan Notification {
	return f.notify
}

// IsClosed reports whether Close has been called.
func (f *FakePeripheralStack) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ErrFake is a generic injected failure.
var ErrFake = errors.New("fake failure")
