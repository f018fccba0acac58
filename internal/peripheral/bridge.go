// Package peripheral implements the peripheral role: publish the BLE-MIDI
// service, advertise it, push local events to subscribed centrals and hand
// events written by centrals to a local sink.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/groutine"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/queue"
	"github.com/srg/blemidi/internal/source"
)

// Options configures a peripheral bridge.
type Options struct {
	// PowerOnTimeout bounds the wait for the radio to power on.
	PowerOnTimeout time.Duration `default:"10s"`
	// InboundBuffer is the capacity of the ring between ATT writes and Sink.
	InboundBuffer uint32 `default:"256"`
	// EventTap is the capacity of the Handle.Events ring.
	EventTap int `default:"100"`

	// Sink receives events written by centrals. Nil drops them after decoding.
	Sink source.Sink

	// OnStateChange is called synchronously on every transition. err is set
	// for StateFailed.
	OnStateChange func(state State, err error)
}

// Bridge starts BLE-MIDI peripherals on a stack.
type Bridge struct {
	stack  device.PeripheralStack
	opts   Options
	logger *logrus.Logger
}

// New creates a bridge. The stack must not be shared with another bridge.
func New(stack device.PeripheralStack, opts Options, logger *logrus.Logger) (*Bridge, error) {
	if stack == nil {
		return nil, fmt.Errorf("peripheral stack is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if opts.PowerOnTimeout <= 0 {
		return nil, fmt.Errorf("power-on timeout must be positive, got %s", opts.PowerOnTimeout)
	}
	if opts.Sink == nil {
		opts.Sink = source.SinkFunc(func(ev packet.RawEvent) error {
			logger.WithField("event", packet.Describe(ev)).Debug("No sink configured, dropping inbound event")
			return nil
		})
	}
	return &Bridge{stack: stack, opts: opts, logger: logger}, nil
}

// Stats counts traffic through a started peripheral.
type Stats struct {
	Notified  uint64 // outbound events pushed to the stack
	Reads     uint64
	Writes    uint64
	Malformed uint64 // writes rejected by the codec
	Pump      PumpMetrics
}

// Handle controls a started peripheral.
type Handle struct {
	bridge *Bridge
	stack  device.PeripheralStack
	logger *logrus.Logger
	svc    *gatt.Service
	name   string

	// outbound is the characteristic Serve notifies on.
	outbound *gatt.Characteristic

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	failure error

	poweredOn   chan struct{}
	poweredOnce sync.Once
	fatal       chan error // buffered 1; first fatal error after registration

	subs *hashmap.Map[string, string] // "char|central" -> char
	tap  *queue.RingChannel[device.PeripheralEvent]
	pump *sinkPump

	serving   atomic.Bool
	closeOnce sync.Once

	notified  atomic.Uint64
	reads     atomic.Uint64
	writes    atomic.Uint64
	malformed atomic.Uint64
}

// Start waits for power, registers svc, starts advertising name and returns
// a handle. The stack's event stream is consumed from the moment Start is
// called until Close.
func (b *Bridge) Start(ctx context.Context, svc *gatt.Service, name string) (*Handle, error) {
	if svc == nil {
		return nil, fmt.Errorf("service definition is required")
	}

	pump, err := newSinkPump(b.opts.Sink, b.opts.InboundBuffer, b.logger)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		bridge:    b,
		stack:     b.stack,
		logger:    b.logger,
		svc:       svc,
		name:      name,
		ctx:       hctx,
		cancel:    cancel,
		state:     StatePoweredOff,
		poweredOn: make(chan struct{}),
		fatal:     make(chan error, 1),
		subs:      hashmap.New[string, string](),
		tap:       queue.NewRingChannel[device.PeripheralEvent](b.opts.EventTap),
		pump:      pump,
	}

	if err := h.pump.Start(); err != nil {
		cancel()
		return nil, err
	}
	groutine.Go(hctx, "peripheral-events", h.dispatch)

	if err := h.start(ctx); err != nil {
		_ = h.shutdown()
		if ctx.Err() != nil {
			h.transition(StateClosed, nil)
			return nil, ctx.Err()
		}
		h.transition(StateFailed, err)
		return nil, err
	}
	return h, nil
}

func (h *Handle) start(ctx context.Context) error {
	// 1. power
	if h.stack.Powered() {
		h.markPoweredOn()
	} else {
		h.logger.WithField("timeout", h.bridge.opts.PowerOnTimeout).Info("Waiting for Bluetooth adapter to power on...")
		timer := time.NewTimer(h.bridge.opts.PowerOnTimeout)
		defer timer.Stop()
		select {
		case <-h.poweredOn:
		case <-timer.C:
			return blemidi.Errorf(blemidi.AdapterPoweredOff, "adapter did not power on within %s", h.bridge.opts.PowerOnTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.transition(StatePoweredOn, nil)

	// 2. service
	if err := h.svc.Validate(); err != nil {
		return err
	}
	if err := h.stack.AddService(h.svc); err != nil {
		if errors.Is(err, blemidi.ErrServiceRegistrationFailed) {
			return err
		}
		return blemidi.Wrap(blemidi.ServiceRegistrationFailed, err, "")
	}
	for _, c := range h.svc.Characteristics() {
		if c.Properties.Has(gatt.PropNotify) {
			h.outbound = c
			break
		}
	}
	h.transition(StateServiceRegistered, nil)

	// 3. advertising; bound to the handle, not to the setup ctx
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.stack.Advertise(h.ctx, h.name, []string{h.svc.UUID}); err != nil {
		if errors.Is(err, blemidi.ErrAdvertisingFailed) {
			return err
		}
		return blemidi.Wrap(blemidi.AdvertisingFailed, err, "")
	}
	h.transition(StateAdvertising, nil)

	h.logger.WithFields(logrus.Fields{
		"name":    h.name,
		"service": gatt.FormatUUID(h.svc.UUID),
	}).Info("BLE-MIDI peripheral is advertising")
	return nil
}

func (h *Handle) markPoweredOn() {
	h.poweredOnce.Do(func() { close(h.poweredOn) })
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure that moved the handle to StateFailed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failure
}

func (h *Handle) transition(to State, err error) {
	h.mu.Lock()
	from := h.state
	if from.Terminal() || from == to {
		h.mu.Unlock()
		return
	}
	h.state = to
	if to == StateFailed {
		h.failure = err
	}
	h.mu.Unlock()

	fields := logrus.Fields{"from": from.String(), "to": to.String()}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("Peripheral bridge failed")
	} else {
		h.logger.WithFields(fields).Info("Peripheral bridge state changed")
	}
	if cb := h.bridge.opts.OnStateChange; cb != nil {
		cb(to, err)
	}
}

// dispatch consumes the stack event stream. Power and subscription updates
// are bookkeeping and handled inline in arrival order; each read and write
// request gets its own goroutine.
func (h *Handle) dispatch(ctx context.Context) {
	events := h.stack.Events()
	for {
		var ev device.PeripheralEvent
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}

		h.tap.ForceSend(ev)
		h.logger.WithField("event", ev.String()).Debug("Peripheral event")

		switch e := ev.(type) {
		case device.StateUpdate:
			h.handleState(e)
		case device.SubscriptionUpdate:
			h.handleSubscription(e)
		case device.ReadRequest:
			h.spawn("peripheral-read", e.Responder, func() { h.handleRead(e) })
		case device.WriteRequest:
			h.spawn("peripheral-write", e.Responder, func() { h.handleWrite(e) })
		default:
			h.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Ignoring unknown peripheral event")
		}
	}
}

// spawn runs fn in its own goroutine; a panic answers the request with Failure.
func (h *Handle) spawn(name string, r *device.Responder, fn func()) {
	groutine.GoRecover(h.ctx, name, h.logger, func(any) {
		if r != nil {
			r.Fail(device.ReasonUnlikely)
		}
	}, func(context.Context) {
		fn()
	})
}

func (h *Handle) handleState(e device.StateUpdate) {
	if e.Powered {
		h.markPoweredOn()
		return
	}

	if !h.State().registered() {
		h.logger.Warn("Bluetooth adapter is powered off")
		return
	}

	err := blemidi.Errorf(blemidi.AdapterPoweredOff, "adapter powered off while %s", h.State())
	if stopErr := h.stack.StopAdvertising(); stopErr != nil {
		h.logger.WithError(stopErr).Warn("Failed to stop advertising after power loss")
	}
	h.transition(StateFailed, err)
	select {
	case h.fatal <- err:
	default:
	}
}

func subKey(char, central string) string {
	return char + "|" + central
}

func (h *Handle) handleSubscription(e device.SubscriptionUpdate) {
	char := gatt.NormalizeUUID(e.Characteristic)
	if e.Subscribed {
		h.subs.Set(subKey(char, e.Central), char)
	} else {
		h.subs.Del(subKey(char, e.Central))
	}

	total := h.subs.Len()
	h.logger.WithFields(logrus.Fields{
		"central":     e.Central,
		"char_uuid":   char,
		"subscribed":  e.Subscribed,
		"subscribers": total,
	}).Info("Subscription changed")

	switch st := h.State(); {
	case total > 0 && st == StateAdvertising:
		h.transition(StateSubscribed, nil)
	case total == 0 && st == StateSubscribed:
		h.transition(StateAdvertising, nil)
	}
}

// Subscribers returns how many centrals are subscribed to charUUID.
func (h *Handle) Subscribers(charUUID string) int {
	char := gatt.NormalizeUUID(charUUID)
	n := 0
	h.subs.Range(func(_ string, c string) bool {
		if c == char {
			n++
		}
		return true
	})
	return n
}

func (h *Handle) handleRead(e device.ReadRequest) {
	h.reads.Add(1)
	c, ok := h.svc.Characteristic(e.Characteristic)
	if !ok {
		e.Responder.Fail(device.ReasonUnknownHandle)
		return
	}
	if !c.Properties.Has(gatt.PropRead) {
		e.Responder.Fail(device.ReasonNotPermitted)
		return
	}

	// BLE-MIDI reads carry no payload until a value has been sent
	value := c.Value()
	if e.Offset < 0 || e.Offset > len(value) {
		h.logger.WithFields(logrus.Fields{
			"char_uuid": e.Characteristic,
			"offset":    e.Offset,
			"length":    len(value),
		}).Debug("Rejecting read with invalid offset")
		e.Responder.Fail(device.ReasonInvalidOffset)
		return
	}
	e.Responder.Succeed(value[e.Offset:])
}

func (h *Handle) handleWrite(e device.WriteRequest) {
	h.writes.Add(1)
	c, ok := h.svc.Characteristic(e.Characteristic)
	if !ok {
		e.Responder.Fail(device.ReasonUnknownHandle)
		return
	}
	if !c.Properties.Has(gatt.PropWrite) && !c.Properties.Has(gatt.PropWriteWithoutResponse) {
		e.Responder.Fail(device.ReasonNotPermitted)
		return
	}
	if e.Offset != 0 {
		e.Responder.Fail(device.ReasonInvalidOffset)
		return
	}

	ev, err := packet.Decode(e.Value)
	if err != nil {
		h.malformed.Add(1)
		h.logger.WithError(err).WithField("central", e.Central).Warn("Rejecting malformed BLE-MIDI packet")
		e.Responder.Fail(device.ReasonMalformedPacket)
		return
	}
	if len(ev) == 0 {
		// header-only packet: nothing to forward
		e.Responder.Succeed(nil)
		return
	}

	if err := h.pump.Push(ev); err != nil {
		h.logger.WithError(err).Error("Failed to queue inbound MIDI event")
		e.Responder.Fail(device.ReasonUnlikely)
		return
	}
	if h.logger.IsLevelEnabled(logrus.DebugLevel) {
		h.logger.WithFields(logrus.Fields{
			"central": e.Central,
			"event":   packet.Describe(ev),
		}).Debug("Received MIDI event")
	}
	e.Responder.Succeed(nil)
}

// Notify encodes payload, caches it as the characteristic value and pushes
// it to every subscriber. No subscribers is not an error.
func (h *Handle) Notify(charUUID string, payload packet.RawEvent) error {
	if st := h.State(); st.Terminal() {
		return fmt.Errorf("peripheral is %s", st)
	}
	c, ok := h.svc.Characteristic(charUUID)
	if !ok {
		return blemidi.Wrap(blemidi.CharacteristicNotFound,
			&device.NotFoundError{Resource: "characteristic", UUIDs: []string{h.svc.UUID, charUUID}}, "")
	}

	pkt, err := packet.Encode(payload)
	if err != nil {
		return err
	}
	c.SetValue(pkt)

	n, err := h.stack.Notify(c.UUID, pkt)
	if err != nil {
		return blemidi.Wrap(blemidi.WriteFailure, err, "notify")
	}
	h.notified.Add(1)
	if h.logger.IsLevelEnabled(logrus.DebugLevel) {
		h.logger.WithFields(logrus.Fields{
			"event":       packet.Describe(payload),
			"subscribers": n,
		}).Debug("Notified MIDI event")
	}
	return nil
}

// Serve forwards events from q as notifications until the source closes,
// ctx ends or the adapter powers off. It returns nil when the source closes.
func (h *Handle) Serve(ctx context.Context, q *queue.EventQueue) error {
	if q == nil {
		return fmt.Errorf("event queue is required")
	}
	if h.outbound == nil {
		return fmt.Errorf("service %s has no notifiable characteristic", h.svc.UUID)
	}
	if !h.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("peripheral is already serving")
	}
	defer h.serving.Store(false)

	select {
	case err := <-h.fatal:
		return err
	default:
	}
	if st := h.State(); st.Terminal() {
		return fmt.Errorf("peripheral is %s", st)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatal atomic.Pointer[error]
	groutine.Go(loopCtx, "peripheral-fatal-watch", func(ctx context.Context) {
		select {
		case err := <-h.fatal:
			fatal.Store(&err)
			cancel()
		case <-h.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	})

	for {
		ev, err := q.Receive(loopCtx)
		if err != nil {
			switch {
			case errors.Is(err, blemidi.ErrSourceClosed):
				h.logger.Info("MIDI source closed, stopping peripheral bridge")
				return nil
			case fatal.Load() != nil:
				return *fatal.Load()
			case ctx.Err() != nil:
				return ctx.Err()
			case h.ctx.Err() != nil:
				return fmt.Errorf("peripheral closed")
			default:
				return err
			}
		}

		if err := h.Notify(h.outbound.UUID, ev); err != nil {
			if errors.Is(err, blemidi.ErrEmptyPayload) {
				continue
			}
			h.logger.WithError(err).Warn("Failed to notify MIDI event")
		}
	}
}

// Events returns a tap of every stack event the handle processed. Old
// entries are overwritten when the reader falls behind.
func (h *Handle) Events() <-chan device.PeripheralEvent {
	return h.tap.C()
}

func (h *Handle) Stats() Stats {
	return Stats{
		Notified:  h.notified.Load(),
		Reads:     h.reads.Load(),
		Writes:    h.writes.Load(),
		Malformed: h.malformed.Load(),
		Pump:      h.pump.Metrics(),
	}
}

// Close stops advertising, ends the stack's subscriptions, forgets the
// subscriber bookkeeping and stops the inbound pump. The stack itself stays
// open. Close is idempotent.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.shutdown()
		h.transition(StateClosed, nil)
	})
	return err
}

func (h *Handle) shutdown() error {
	stopErr := h.stack.StopAdvertising()
	h.cancel()
	h.stack.ClearSubscriptions()
	h.subs.Range(func(key string, _ string) bool {
		h.subs.Del(key)
		return true
	})
	pumpErr := h.pump.Stop()
	h.tap.Close()
	return errors.Join(stopErr, pumpErr)
}
