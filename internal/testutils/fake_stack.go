package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
)

// FakeStack is an in-memory central-role device.Stack.
type FakeStack struct {
	AdaptersErr error
	Adapter     *FakeAdapter
}

// NewFakeStack creates a stack with one empty adapter.
func NewFakeStack() *FakeStack {
	return &FakeStack{Adapter: NewFakeAdapter()}
}

func (s *FakeStack) Adapters(context.Context) ([]device.Adapter, error) {
	if s.AdaptersErr != nil {
		return nil, s.AdaptersErr
	}
	if s.Adapter == nil {
		return nil, nil
	}
	return []device.Adapter{s.Adapter}, nil
}

// FakeAdapter replays a fixed list of advertisements and connects to
// registered fake peripherals.
type FakeAdapter struct {
	mu          sync.Mutex
	ads         []device.Advertisement
	peripherals map[string]*FakeConnection

	ScanErr    error
	ConnectErr error
	// BlockConnect makes Connect wait for ctx to end.
	BlockConnect bool

	scans    int
	connects []string
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{peripherals: make(map[string]*FakeConnection)}
}

func (a *FakeAdapter) Name() string {
	return "fake0"
}

// WithAdvertisements queues advertisements reported by every Scan.
func (a *FakeAdapter) WithAdvertisements(ads ...device.Advertisement) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ads = append(a.ads, ads...)
	return a
}

// WithPeripheral registers the connection returned for address.
func (a *FakeAdapter) WithPeripheral(address string, conn *FakeConnection) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn.address = address
	a.peripherals[address] = conn
	return a
}

// Scan reports every queued advertisement, then waits for ctx like a real radio.
func (a *FakeAdapter) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	a.mu.Lock()
	a.scans++
	ads := append([]device.Advertisement(nil), a.ads...)
	scanErr := a.ScanErr
	a.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for _, adv := range ads {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *FakeAdapter) Connect(ctx context.Context, address string) (device.Connection, error) {
	a.mu.Lock()
	a.connects = append(a.connects, address)
	conn, ok := a.peripherals[address]
	connectErr, block := a.ConnectErr, a.BlockConnect
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if !ok {
		return nil, fmt.Errorf("no fake peripheral at %q", address)
	}
	return conn, nil
}

// Scans returns how many times Scan was called.
func (a *FakeAdapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Connects returns the addresses passed to Connect, in order.
func (a *FakeAdapter) Connects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}

// FakeConnection is a connected fake peripheral.
type FakeConnection struct {
	address string
	chars   []device.RemoteCharacteristic

	DiscoverErr error

	mu          sync.Mutex
	disconnects int
	doneOnce    sync.Once
	done        chan struct{}
}

// NewFakeConnection creates a connection exposing chars.
func NewFakeConnection(chars ...*FakeRemoteCharacteristic) *FakeConnection {
	c := &FakeConnection{done: make(chan struct{})}
	for _, ch := range chars {
		c.chars = append(c.chars, ch)
	}
	return c
}

// NewMIDIConnection creates a connection exposing the BLE-MIDI I/O
// characteristic and returns both.
func NewMIDIConnection(serviceUUID, charUUID string) (*FakeConnection, *FakeRemoteCharacteristic) {
	ch := NewFakeRemoteCharacteristic(serviceUUID, charUUID,
		gatt.PropRead|gatt.PropWriteWithoutResponse|gatt.PropNotify)
	return NewFakeConnection(ch), ch
}

func (c *FakeConnection) Address() string {
	return c.address
}

func (c *FakeConnection) Discover(ctx context.Context) ([]device.RemoteCharacteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.DiscoverErr != nil {
		return nil, c.DiscoverErr
	}
	return c.chars, nil
}

func (c *FakeConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.DropLink()
	return nil
}

func (c *FakeConnection) Disconnected() <-chan struct{} {
	return c.done
}

// DropLink simulates the remote side going away.
func (c *FakeConnection) DropLink() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Disconnects returns how many times Disconnect was called.
func (c *FakeConnection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// FakeRemoteCharacteristic records every write.
type FakeRemoteCharacteristic struct {
	serviceUUID string
	uuid        string
	props       gatt.Property

	mu       sync.Mutex
	writes   [][]byte
	noRsp    []bool
	writeErr error
	// FailAfter makes writes fail once this many have succeeded. Zero disables.
	FailAfter int

	written chan []byte
}

func NewFakeRemoteCharacteristic(serviceUUID, uuid string, props gatt.Property) *FakeRemoteCharacteristic {
	return &FakeRemoteCharacteristic{
		serviceUUID: gatt.NormalizeUUID(serviceUUID),
		uuid:        gatt.NormalizeUUID(uuid),
		props:       props,
		written:     make(chan []byte, 64),
	}
}

func (r *FakeRemoteCharacteristic) ServiceUUID() string       { return r.serviceUUID }
func (r *FakeRemoteCharacteristic) UUID() string              { return r.uuid }
func (r *FakeRemoteCharacteristic) Properties() gatt.Property { return r.props }

// SetWriteErr makes every later write fail with err.
func (r *FakeRemoteCharacteristic) SetWriteErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeErr = err
}

func (r *FakeRemoteCharacteristic) Write(data []byte, withoutResponse bool) error {
	r.mu.Lock()
	err := r.writeErr
	if err == nil && r.FailAfter > 0 && len(r.writes) >= r.FailAfter {
		err = fmt.Errorf("fake write failure after %d writes", r.FailAfter)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), data...)
	r.writes = append(r.writes, cp)
	r.noRsp = append(r.noRsp, withoutResponse)
	r.mu.Unlock()

	select {
	case r.written <- cp:
	default:
	}
	return nil
}

// Writes returns a copy of every successful write.
func (r *FakeRemoteCharacteristic) Writes() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.writes))
	copy(out, r.writes)
	return out
}

// WithoutResponse reports the mode of every successful write.
func (r *FakeRemoteCharacteristic) WithoutResponse() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.noRsp...)
}

// Written delivers each successful write as it happens.
func (r *FakeRemoteCharacteristic) Written() <-chan []byte {
	return r.written
}
