// Package bridge wires a local MIDI source, the event queue and one BLE-MIDI
// bridge together and runs them until the source ends, the bridge fails or
// the context is cancelled.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/central"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/groutine"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/peripheral"
	"github.com/srg/blemidi/internal/queue"
	"github.com/srg/blemidi/internal/source"
)

// Role selects which side of the BLE link the bridge plays.
type Role string

const (
	RoleCentral    Role = "central"
	RolePeripheral Role = "peripheral"
)

// ParseRole accepts "central" or "peripheral" in any case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCentral, RolePeripheral:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q (expected %q or %q)", s, RoleCentral, RolePeripheral)
	}
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// DefaultPeripheralName is the advertised local name when none is configured.
const DefaultPeripheralName = "blemidi"

// shutdownGrace bounds how long Run waits for the bridge task after teardown.
const shutdownGrace = 5 * time.Second

// PeripheralOptions configures the peripheral role.
type PeripheralOptions struct {
	Name    string        // empty selects DefaultPeripheralName
	Service *gatt.Service // nil selects gatt.NewMIDIService
	peripheral.Options
}

// Options contains all the configuration for running a bridge. Stacks are
// owned by the caller; Run never closes them.
type Options struct {
	Role Role

	Source source.Source
	Port   string // source port name; empty selects the first

	// Sink receives inbound events in the peripheral role. When nil and
	// Source is also a source.Sink, Source is used.
	Sink source.Sink

	QueueCapacity int // zero selects queue.DefaultCapacity

	Central         central.Options
	Stack           device.Stack
	Peripheral      PeripheralOptions
	PeripheralStack device.PeripheralStack

	Logger *logrus.Logger
}

func (o *Options) validate() error {
	switch o.Role {
	case RoleCentral:
		if o.Stack == nil {
			return fmt.Errorf("central role requires a BLE stack")
		}
	case RolePeripheral:
		if o.PeripheralStack == nil {
			return fmt.Errorf("peripheral role requires a peripheral BLE stack")
		}
	default:
		return fmt.Errorf("unknown role %q", o.Role)
	}
	if o.Source == nil {
		return fmt.Errorf("MIDI source is required")
	}
	if o.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", o.QueueCapacity)
	}
	return nil
}

// phase renders a bridge state as a progress phase, e.g. "service-registered" -> "Service registered".
func phase(state string) string {
	if state == "" {
		return state
	}
	s := strings.ReplaceAll(state, "-", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

// Run opens the source, starts the bridge for opts.Role and forwards events
// until the source closes (nil), the bridge fails (its error) or ctx ends
// (ctx.Err()). Teardown always runs: the bridge first, then the source,
// then the queue.
func Run(ctx context.Context, opts *Options, progress ProgressCallback) error {
	if opts == nil {
		return fmt.Errorf("failed to run bridge: options are required")
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = queue.DefaultCapacity
	}
	if err := opts.validate(); err != nil {
		return fmt.Errorf("failed to run bridge: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progress == nil {
		progress = func(string) {}
	}

	if !opts.Source.Available() {
		return fmt.Errorf("failed to open MIDI source: %w", source.ErrUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := queue.NewEventQueue(opts.QueueCapacity)

	var teardownBridge func() error
	defer func() {
		// unblocks a source callback parked in q.Send
		cancel()
		if teardownBridge != nil {
			if err := teardownBridge(); err != nil {
				logger.WithError(err).Warn("Bridge teardown reported an error")
			}
		}
		if err := opts.Source.Disconnect(); err != nil {
			logger.WithError(err).Warn("Failed to disconnect MIDI source")
		}
		q.Close()
		logger.Debug("Bridge torn down")
	}()

	// Phase: open the source
	progress("Opening source")
	opts.Source.OnEvents(enqueue(runCtx, q, logger))
	if err := opts.Source.Open(opts.Port); err != nil {
		progress("Failed")
		return fmt.Errorf("failed to open MIDI source: %w", err)
	}
	if f, ok := opts.Source.(source.Finisher); ok {
		groutine.Go(runCtx, "source-watch", func(ctx context.Context) {
			select {
			case <-f.Done():
				logger.Info("MIDI source ended")
				q.Close()
			case <-ctx.Done():
			}
		})
	}

	var (
		done <-chan error
		err  error
	)
	switch opts.Role {
	case RoleCentral:
		done, teardownBridge, err = startCentral(runCtx, opts, q, logger, progress)
	case RolePeripheral:
		done, teardownBridge, err = startPeripheral(runCtx, opts, q, logger, progress)
	}
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			progress("Failed")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		progress("Finished")
		return nil
	case <-ctx.Done():
		progress("Stopping")
		cancel()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			logger.Warn("Bridge did not stop within grace period")
		}
		return ctx.Err()
	}
}

// enqueue returns the source callback. Send blocks while the queue is full;
// events arriving after the queue closed or the run ended are dropped quietly.
func enqueue(ctx context.Context, q *queue.EventQueue, logger *logrus.Logger) source.Handler {
	return func(events []packet.RawEvent) {
		for _, ev := range events {
			if err := q.Send(ctx, ev); err != nil {
				if !errors.Is(err, queue.ErrQueueClosed) && ctx.Err() == nil {
					logger.WithError(err).Warn("Dropping MIDI event")
				}
				return
			}
		}
	}
}

func startCentral(ctx context.Context, opts *Options, q *queue.EventQueue, logger *logrus.Logger, progress ProgressCallback) (<-chan error, func() error, error) {
	copts := opts.Central
	user := copts.OnStateChange
	copts.OnStateChange = func(st central.State, err error) {
		progress(phase(st.String()))
		if user != nil {
			user(st, err)
		}
	}

	b, err := central.New(opts.Stack, copts, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create central bridge: %w", err)
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "central-bridge", func(ctx context.Context) {
		done <- b.Run(ctx, q)
	})
	return done, b.Close, nil
}

func startPeripheral(ctx context.Context, opts *Options, q *queue.EventQueue, logger *logrus.Logger, progress ProgressCallback) (<-chan error, func() error, error) {
	popts := opts.Peripheral.Options
	user := popts.OnStateChange
	popts.OnStateChange = func(st peripheral.State, err error) {
		progress(phase(st.String()))
		if user != nil {
			user(st, err)
		}
	}
	popts.Sink = opts.Sink
	if popts.Sink == nil {
		if sink, ok := opts.Source.(source.Sink); ok {
			popts.Sink = sink
		}
	}

	b, err := peripheral.New(opts.PeripheralStack, popts, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create peripheral bridge: %w", err)
	}

	svc := opts.Peripheral.Service
	if svc == nil {
		svc = gatt.NewMIDIService()
	}
	name := opts.Peripheral.Name
	if name == "" {
		name = DefaultPeripheralName
	}

	progress("Starting peripheral")
	h, err := b.Start(ctx, svc, name)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)
	groutine.Go(ctx, "peripheral-bridge", func(ctx context.Context) {
		done <- h.Serve(ctx, q)
	})
	return done, h.Close, nil
}
