// Package central implements the central role: find a BLE-MIDI peripheral
// by name, connect to it and forward queued MIDI events to its I/O
// characteristic.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/groutine"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/queue"
	"github.com/srg/blemidi/scanner"
)

// Options configures a central bridge.
type Options struct {
	// TargetName selects the peripheral by its advertised local name.
	TargetName string
	Match      NameMatcher

	// ServiceUUID, when set, must be advertised by the peripheral and must
	// contain the characteristic.
	ServiceUUID        string
	CharacteristicUUID string        `default:"7772E5DB-3868-4112-A1A9-F2669D106BF3"`
	DiscoveryWindow    time.Duration `default:"4s"`
	ConnectTimeout     time.Duration `default:"30s"`

	// OnStateChange is called synchronously on every transition. err is set
	// for StateFailed.
	OnStateChange func(state State, err error)
}

// Stats counts traffic through a running bridge.
type Stats struct {
	Written uint64
	Skipped uint64
}

// Bridge forwards events from an EventQueue to one remote peripheral.
type Bridge struct {
	stack  device.Stack
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	state      State
	failure    error
	peripheral scanner.Peripheral
	conn       device.Connection

	written atomic.Uint64
	skipped atomic.Uint64
}

// New validates opts and creates an idle bridge.
func New(stack device.Stack, opts Options, logger *logrus.Logger) (*Bridge, error) {
	if stack == nil {
		return nil, fmt.Errorf("BLE stack is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	if opts.TargetName == "" {
		return nil, fmt.Errorf("target peripheral name is required")
	}
	mode, err := ParseMatchMode(string(opts.Match.Mode))
	if err != nil {
		return nil, err
	}
	opts.Match.Mode = mode
	charUUID, err := gatt.ValidateUUID(opts.CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	opts.CharacteristicUUID = charUUID
	if opts.ServiceUUID != "" {
		svcUUID, err := gatt.ValidateUUID(opts.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUID = svcUUID
	}
	if opts.DiscoveryWindow <= 0 {
		return nil, fmt.Errorf("discovery window must be positive, got %s", opts.DiscoveryWindow)
	}

	return &Bridge{stack: stack, opts: opts, logger: logger}, nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err returns the failure that moved the bridge to StateFailed.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Peripheral returns the selected peripheral once scanning has chosen one.
func (b *Bridge) Peripheral() (scanner.Peripheral, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peripheral, b.peripheral.Address != ""
}

func (b *Bridge) Stats() Stats {
	return Stats{Written: b.written.Load(), Skipped: b.skipped.Load()}
}

func (b *Bridge) transition(to State, err error) {
	b.mu.Lock()
	from := b.state
	if from.Terminal() {
		b.mu.Unlock()
		return
	}
	b.state = to
	if to == StateFailed {
		b.failure = err
	}
	b.mu.Unlock()

	fields := logrus.Fields{"from": from.String(), "to": to.String()}
	if err != nil {
		b.logger.WithFields(fields).WithError(err).Error("Central bridge failed")
	} else {
		b.logger.WithFields(fields).Info("Central bridge state changed")
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(to, err)
	}
}

// fail records err as terminal and returns it.
func (b *Bridge) fail(err error) error {
	b.transition(StateFailed, err)
	return err
}

// Run performs discovery, connects and then forwards events from q until
// the source closes, ctx ends or a terminal failure occurs. It returns nil
// when the source closes and ctx.Err() on cancellation.
func (b *Bridge) Run(ctx context.Context, q *queue.EventQueue) error {
	if q == nil {
		return fmt.Errorf("event queue is required")
	}
	if st := b.State(); st != StateIdle {
		return fmt.Errorf("central bridge cannot run from state %s", st)
	}

	conn, char, err := b.setup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			b.transition(StateClosed, nil)
			return ctx.Err()
		}
		return b.fail(err)
	}

	b.transition(StateReady, nil)
	return b.forward(ctx, q, conn, char)
}

func (b *Bridge) setup(ctx context.Context) (device.Connection, device.RemoteCharacteristic, error) {
	adapters, err := b.stack.Adapters(ctx)
	if err != nil {
		if blemidi.KindOf(err) != "" {
			return nil, nil, err
		}
		return nil, nil, blemidi.Wrap(blemidi.AdapterUnavailable, err, "")
	}
	if len(adapters) == 0 {
		return nil, nil, blemidi.Errorf(blemidi.AdapterUnavailable, "no BLE adapter found")
	}
	adapter := adapters[0]

	b.transition(StateScanning, nil)
	target, err := b.discover(ctx, adapter)
	if err != nil {
		return nil, nil, err
	}

	b.transition(StateConnecting, nil)
	conn, err := b.connect(ctx, adapter, target)
	if err != nil {
		return nil, nil, err
	}

	b.transition(StateDiscovering, nil)
	char, err := b.findCharacteristic(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	return conn, char, nil
}

// discover scans for the fixed window and picks the first matching peripheral.
func (b *Bridge) discover(ctx context.Context, adapter device.Adapter) (scanner.Peripheral, error) {
	sc := scanner.NewScanner(b.logger)
	found, err := sc.Scan(ctx, adapter, &scanner.ScanOptions{Duration: b.opts.DiscoveryWindow}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return scanner.Peripheral{}, ctx.Err()
		}
		return scanner.Peripheral{}, blemidi.Wrap(blemidi.AdapterUnavailable, err, "scan failed")
	}

	for _, p := range found {
		if !b.opts.Match.Match(p.Name, b.opts.TargetName) {
			continue
		}
		if b.opts.ServiceUUID != "" && !p.HasService(b.opts.ServiceUUID) {
			b.logger.WithFields(logrus.Fields{
				"device":  p.Name,
				"address": p.Address,
				"service": b.opts.ServiceUUID,
			}).Debug("Name matches but required service is not advertised")
			continue
		}

		b.mu.Lock()
		b.peripheral = p
		b.mu.Unlock()
		b.logger.WithFields(logrus.Fields{
			"device":  p.Name,
			"address": p.Address,
			"rssi":    p.RSSI,
		}).Info("Selected BLE-MIDI peripheral")
		return p, nil
	}

	return scanner.Peripheral{}, blemidi.Errorf(blemidi.PeripheralNotFound,
		"no peripheral named %q (%s) among %d discovered in %s",
		b.opts.TargetName, b.opts.Match, len(found), b.opts.DiscoveryWindow)
}

func (b *Bridge) connect(ctx context.Context, adapter device.Adapter, target scanner.Peripheral) (device.Connection, error) {
	connectCtx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	conn, err := adapter.Connect(connectCtx, target.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, blemidi.Wrap(blemidi.ConnectionFailed, err, fmt.Sprintf("connect timed out after %s", b.opts.ConnectTimeout))
		}
		return nil, blemidi.Wrap(blemidi.ConnectionFailed, err, "")
	}

	b.mu.Lock()
	closed := b.state.Terminal()
	if !closed {
		b.conn = conn
	}
	b.mu.Unlock()
	if closed {
		_ = conn.Disconnect()
		return nil, blemidi.Errorf(blemidi.ConnectionFailed, "bridge closed while connecting")
	}

	b.logger.WithField("address", target.Address).Info("Connected to BLE-MIDI peripheral")
	return conn, nil
}

func (b *Bridge) findCharacteristic(ctx context.Context, conn device.Connection) (device.RemoteCharacteristic, error) {
	chars, err := conn.Discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, blemidi.Wrap(blemidi.ConnectionFailed, err, "service discovery failed")
	}

	for _, c := range chars {
		if !gatt.EqualUUID(c.UUID(), b.opts.CharacteristicUUID) {
			continue
		}
		if b.opts.ServiceUUID != "" && !gatt.EqualUUID(c.ServiceUUID(), b.opts.ServiceUUID) {
			continue
		}
		b.logger.WithFields(logrus.Fields{
			"service_uuid": c.ServiceUUID(),
			"char_uuid":    c.UUID(),
			"properties":   c.Properties().String(),
		}).Debug("Found MIDI I/O characteristic")
		return c, nil
	}

	uuids := []string{b.opts.CharacteristicUUID}
	if b.opts.ServiceUUID != "" {
		uuids = []string{b.opts.ServiceUUID, b.opts.CharacteristicUUID}
	}
	return nil, blemidi.Wrap(blemidi.CharacteristicNotFound,
		&device.NotFoundError{Resource: "characteristic", UUIDs: uuids}, "")
}

// forward is the steady-state loop. A dropped link ends it with ConnectionFailed.
func (b *Bridge) forward(ctx context.Context, q *queue.EventQueue, conn device.Connection, char device.RemoteCharacteristic) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var linkLost atomic.Bool
	groutine.Go(loopCtx, "central-link-watch", func(ctx context.Context) {
		select {
		case <-conn.Disconnected():
			linkLost.Store(true)
			cancel()
		case <-ctx.Done():
		}
	})

	// write commands unless the characteristic only accepts write requests
	props := char.Properties()
	withoutResponse := props.Has(gatt.PropWriteWithoutResponse) || !props.Has(gatt.PropWrite)

	for {
		ev, err := q.Receive(loopCtx)
		if err != nil {
			switch {
			case errors.Is(err, blemidi.ErrSourceClosed):
				b.logger.Info("MIDI source closed, stopping central bridge")
				b.transition(StateClosed, nil)
				return nil
			case linkLost.Load():
				return b.fail(blemidi.Errorf(blemidi.ConnectionFailed, "peripheral %s disconnected", conn.Address()))
			case ctx.Err() != nil:
				b.transition(StateClosed, nil)
				return ctx.Err()
			default:
				return b.fail(err)
			}
		}

		pkt, err := packet.Encode(ev)
		if err != nil {
			b.skipped.Add(1)
			b.logger.WithError(err).Warn("Dropping unencodable MIDI event")
			continue
		}

		if err := char.Write(pkt, withoutResponse); err != nil {
			return b.fail(blemidi.Wrap(blemidi.WriteFailure, err, ""))
		}
		b.written.Add(1)

		if b.logger.IsLevelEnabled(logrus.DebugLevel) {
			b.logger.WithFields(logrus.Fields{
				"event": packet.Describe(ev),
				"bytes": len(pkt),
			}).Debug("Sent MIDI event")
		}
	}
}

// Close disconnects from the peripheral. It is safe to call at any time and
// more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Disconnect()
	}
	b.transition(StateClosed, nil)
	return err
}
