// Package tinyble implements the central-role device stack on
// tinygo.org/x/bluetooth. It is an alternative to the goble backend and
// supports scanning, connecting and writing only; peripheral mode is not
// provided.
package tinyble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// Stack is a device.Stack over bluetooth.DefaultAdapter.
type Stack struct {
	logger  *logrus.Logger
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	conns map[string]*connection
}

// NewStack creates a stack over the default tinygo adapter. The adapter is
// enabled on first use.
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		logger:  logger,
		adapter: bluetooth.DefaultAdapter,
		conns:   make(map[string]*connection),
	}
}

func (s *Stack) enable() error {
	s.enableOnce.Do(func() {
		if err := s.adapter.Enable(); err != nil {
			s.enableErr = blemidi.Wrap(blemidi.AdapterUnavailable, err, "failed to enable adapter")
			return
		}
		// darwin reports link loss only through the adapter-wide handler
		s.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := d.Address.String()
			s.mu.Lock()
			c, ok := s.conns[addr]
			delete(s.conns, addr)
			s.mu.Unlock()
			if ok {
				s.logger.WithField("address", addr).Warn("BLE link reported disconnection")
				c.markDone()
			}
		})
	})
	return s.enableErr
}

// Adapters enables the default adapter and returns it.
func (s *Stack) Adapters(context.Context) ([]device.Adapter, error) {
	if err := s.enable(); err != nil {
		return nil, err
	}
	return []device.Adapter{&adapter{stack: s}}, nil
}

type adapter struct {
	stack *Stack
}

func (a *adapter) Name() string {
	return "tinygo-default"
}

// Scan runs until ctx ends. tinygo's Scan blocks, so StopScan is issued
// from a watcher goroutine.
func (a *adapter) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	done := make(chan struct{})
	groutine.Go(ctx, "tinyble-scan-stop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			if err := a.stack.adapter.StopScan(); err != nil {
				a.stack.logger.WithError(err).Debug("StopScan failed")
			}
		case <-done:
		}
	})

	err := a.stack.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := device.Advertisement{
			Address:     result.Address.String(),
			LocalName:   result.LocalName(),
			RSSI:        int(result.RSSI),
			Connectable: true,
		}
		if result.HasServiceUUID(midiServiceUUID) {
			adv.Services = append(adv.Services, gatt.NormalizeUUID(blemidi.MIDIServiceUUID))
		}
		handler(adv)
	})
	close(done)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// Connect dials address. tinygo's Connect has no context, so it is raced
// against ctx; a connect that completes after ctx ended is torn down.
func (a *adapter) Connect(ctx context.Context, address string) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	var addr bluetooth.Address
	addr.Set(address)

	type result struct {
		dev bluetooth.Device
		err error
	}
	resCh := make(chan result, 1)
	groutine.Go(context.Background(), "tinyble-connect", func(context.Context) {
		d, err := a.stack.adapter.Connect(addr, bluetooth.ConnectionParams{})
		resCh <- result{dev: d, err: err}
	})

	select {
	case <-ctx.Done():
		groutine.Go(context.Background(), "tinyble-connect-abandon", func(context.Context) {
			if res := <-resCh; res.err == nil {
				_ = res.dev.Disconnect()
			}
		})
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, res.err)
		}
		c := &connection{
			address: address,
			dev:     res.dev,
			logger:  a.stack.logger,
			done:    make(chan struct{}),
		}
		a.stack.mu.Lock()
		a.stack.conns[res.dev.Address.String()] = c
		a.stack.mu.Unlock()
		return c, nil
	}
}

type connection struct {
	address string
	dev     bluetooth.Device
	logger  *logrus.Logger

	doneOnce sync.Once
	done     chan struct{}

	disconnectOnce sync.Once
	disconnectErr  error
}

func (c *connection) Address() string {
	return c.address
}

func (c *connection) Discover(ctx context.Context) ([]device.RemoteCharacteristic, error) {
	type result struct {
		chars []device.RemoteCharacteristic
		err   error
	}
	resCh := make(chan result, 1)

	groutine.Go(ctx, "tinyble-discover", func(context.Context) {
		chars, err := c.discover()
		resCh <- result{chars: chars, err: err}
	})

	select {
	case res := <-resCh:
		return res.chars, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connection) discover() ([]device.RemoteCharacteristic, error) {
	svcs, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	var out []device.RemoteCharacteristic
	for i := range svcs {
		svcUUID := gatt.NormalizeUUID(svcs[i].UUID().String())
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			c.logger.WithError(err).WithField("service_uuid", svcUUID).Warn("Failed to discover characteristics")
			continue
		}
		for j := range chars {
			out = append(out, &remoteCharacteristic{serviceUUID: svcUUID, char: chars[j]})
		}
	}
	return out, nil
}

func (c *connection) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.disconnectErr = c.dev.Disconnect()
		c.markDone()
	})
	return c.disconnectErr
}

func (c *connection) Disconnected() <-chan struct{} {
	return c.done
}

func (c *connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

type remoteCharacteristic struct {
	serviceUUID string
	char        bluetooth.DeviceCharacteristic
}

func (r *remoteCharacteristic) ServiceUUID() string {
	return r.serviceUUID
}

func (r *remoteCharacteristic) UUID() string {
	return gatt.NormalizeUUID(r.char.UUID().String())
}

// Properties is not exposed uniformly by tinygo; MIDI I/O characteristics
// always allow write commands.
func (r *remoteCharacteristic) Properties() gatt.Property {
	return gatt.PropWriteWithoutResponse | gatt.PropNotify | gatt.PropRead
}

// Write always issues a write command; tinygo has no portable write request.
func (r *remoteCharacteristic) Write(data []byte, _ bool) error {
	_, err := r.char.WriteWithoutResponse(data)
	return err
}

var midiServiceUUID = mustParseUUID(blemidi.MIDIServiceUUID)

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
