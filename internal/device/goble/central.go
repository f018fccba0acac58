// Package goble implements the device stack interfaces on top of
// github.com/go-ble/ble (CoreBluetooth on macOS, HCI sockets on Linux).
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// Stack is a central-role device.Stack backed by the platform's default go-ble device.
type Stack struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewStack creates a central stack. The radio is opened lazily by Adapters.
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{logger: logger}
}

// Adapters opens the default device and returns it as the only adapter.
func (s *Stack) Adapters(ctx context.Context) ([]device.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			s.logger.WithError(err).Error("Failed to create BLE device")
			if errors.Is(err, device.ErrUnsupported) {
				return nil, blemidi.Wrap(blemidi.AdapterUnavailable, err, "")
			}
			return nil, NormalizeError(err)
		}
		ble.SetDefaultDevice(dev)
		s.dev = dev
	}
	return []device.Adapter{&adapter{dev: s.dev, logger: s.logger}}, nil
}

// Close stops the underlying device if it was opened.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Stop()
	s.dev = nil
	return err
}

type adapter struct {
	dev    ble.Device
	logger *logrus.Logger
}

func (a *adapter) Name() string {
	return "default"
}

// Scan reports every advertisement (duplicates included) until ctx ends.
func (a *adapter) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	err := a.dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(convertAdvertisement(adv))
	})
	return NormalizeError(err)
}

// Connect dials address and returns the live connection.
func (a *adapter) Connect(ctx context.Context, address string) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	a.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := a.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	c := &connection{
		address: address,
		client:  client,
		logger:  a.logger,
		done:    make(chan struct{}),
	}

	// CoreBluetooth and HCI both report link loss through Disconnected()
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
			a.logger.WithField("address", address).Warn("BLE link reported disconnection")
			c.markDone()
		case <-c.done:
		}
	})

	return c, nil
}

type connection struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	doneOnce sync.Once
	done     chan struct{}

	disconnectOnce sync.Once
	disconnectErr  error
}

func (c *connection) Address() string {
	return c.address
}

// Discover walks the full remote profile.
func (c *connection) Discover(ctx context.Context) ([]device.RemoteCharacteristic, error) {
	type result struct {
		profile *ble.Profile
		err     error
	}
	resCh := make(chan result, 1)

	// DiscoverProfile takes no context; race it against ctx
	groutine.Go(ctx, "ble-discover-profile", func(context.Context) {
		p, err := c.client.DiscoverProfile(true)
		resCh <- result{profile: p, err: err}
	})

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   res.err,
		}).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(res.err))
	}

	var chars []device.RemoteCharacteristic
	for _, svc := range res.profile.Services {
		svcUUID := gatt.NormalizeUUID(svc.UUID.String())
		for _, ch := range svc.Characteristics {
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    ch.UUID.String(),
			}).Debug("Found characteristic UUID")
			chars = append(chars, &remoteCharacteristic{
				serviceUUID: svcUUID,
				char:        ch,
				client:      c.client,
			})
		}
	}

	c.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(res.profile.Services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	return chars, nil
}

func (c *connection) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.disconnectErr = c.client.CancelConnection()
		c.markDone()
		if c.disconnectErr != nil {
			c.logger.WithField("error", c.disconnectErr).Warn("BLE device disconnected with errors")
		} else {
			c.logger.WithField("address", c.address).Info("BLE device disconnected successfully")
		}
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
	char        *ble.Characteristic
	client      ble.Client
}

func (r *remoteCharacteristic) ServiceUUID() string {
	return r.serviceUUID
}

func (r *remoteCharacteristic) UUID() string {
	return gatt.NormalizeUUID(r.char.UUID.String())
}

func (r *remoteCharacteristic) Properties() gatt.Property {
	return fromBLEProperty(r.char.Property)
}

func (r *remoteCharacteristic) Write(data []byte, withoutResponse bool) error {
	return NormalizeError(r.client.WriteCharacteristic(r.char, data, withoutResponse))
}

func convertAdvertisement(adv ble.Advertisement) device.Advertisement {
	out := device.Advertisement{
		LocalName:   adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
	if addr := adv.Addr(); addr != nil {
		out.Address = addr.String()
	}
	for _, u := range adv.Services() {
		out.Services = append(out.Services, gatt.NormalizeUUID(u.String()))
	}
	return out
}
