package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/groutine"
)

const (
	// DefaultResponseTimeout bounds how long an ATT request waits for the bridge to answer.
	DefaultResponseTimeout = 2 * time.Second

	// DefaultAdvertiseGrace is how long Advertise waits for an early failure before reporting success.
	DefaultAdvertiseGrace = 250 * time.Millisecond

	eventBuffer = 64
)

// PowerMonitor reports the radio power state. On Linux it is backed by BlueZ.
type PowerMonitor interface {
	Powered(ctx context.Context) (bool, error)
	Watch(ctx context.Context, fn func(powered bool)) error
	Close() error
}

// PeripheralOptions configures NewPeripheralStack.
type PeripheralOptions struct {
	Logger          *logrus.Logger
	ResponseTimeout time.Duration // 0 = DefaultResponseTimeout
	AdvertiseGrace  time.Duration // 0 = DefaultAdvertiseGrace
	Power           PowerMonitor  // nil = platform default, if any
}

type subscriber struct {
	char     string
	central  string
	notifier ble.Notifier
	mu       sync.Mutex // serialises writes to one notifier
}

// PeripheralStack is a device.PeripheralStack on a go-ble device.
type PeripheralStack struct {
	dev             ble.Device
	logger          *logrus.Logger
	responseTimeout time.Duration
	advertiseGrace  time.Duration
	power           PowerMonitor

	ctx    context.Context
	cancel context.CancelFunc

	powered atomic.Bool
	subs    *hashmap.Map[string, *subscriber]

	emitMu sync.RWMutex
	closed bool
	events chan device.PeripheralEvent

	advMu     sync.Mutex
	advCancel context.CancelFunc
	advDone   chan struct{}

	closeOnce sync.Once
}

// NewPeripheralStack opens the default device for the peripheral role.
func NewPeripheralStack(opts PeripheralOptions) (*PeripheralStack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.AdvertiseGrace == 0 {
		opts.AdvertiseGrace = DefaultAdvertiseGrace
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithError(err).Error("Failed to create BLE device")
		if errors.Is(err, device.ErrUnsupported) {
			return nil, blemidi.Wrap(blemidi.AdapterUnavailable, err, "")
		}
		if norm := NormalizeError(err); blemidi.KindOf(norm) != "" {
			return nil, norm
		}
		return nil, blemidi.Wrap(blemidi.AdapterUnavailable, err, "failed to create BLE device")
	}

	power := opts.Power
	if power == nil {
		power = defaultPowerMonitor(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &PeripheralStack{
		dev:             dev,
		logger:          logger,
		responseTimeout: opts.ResponseTimeout,
		advertiseGrace:  opts.AdvertiseGrace,
		power:           power,
		ctx:             ctx,
		cancel:          cancel,
		subs:            hashmap.New[string, *subscriber](),
		events:          make(chan device.PeripheralEvent, eventBuffer),
	}
	s.startPowerTracking()
	return s, nil
}

func (s *PeripheralStack) startPowerTracking() {
	if s.power == nil {
		// device creation only succeeds with the radio on
		s.setPowered(true)
		return
	}

	powered, err := s.power.Powered(s.ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read adapter power state, assuming powered")
		powered = true
	}
	s.setPowered(powered)

	groutine.Go(s.ctx, "ble-power-watch", func(ctx context.Context) {
		if err := s.power.Watch(ctx, s.setPowered); err != nil {
			s.logger.WithError(err).Warn("Adapter power watch stopped")
		}
	})
}

func (s *PeripheralStack) setPowered(powered bool) {
	s.powered.Store(powered)
	s.emit(device.StateUpdate{Powered: powered})
}

// emit delivers ev unless the stack is closing.
func (s *PeripheralStack) emit(ev device.PeripheralEvent) bool {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *PeripheralStack) Powered() bool {
	return s.powered.Load()
}

func (s *PeripheralStack) Events() <-chan device.PeripheralEvent {
	return s.events
}

// AddService translates svc into a go-ble service and registers it. ATT
// handlers are installed according to the characteristic properties.
func (s *PeripheralStack) AddService(svc *gatt.Service) error {
	su, err := parseUUID(svc.UUID)
	if err != nil {
		return blemidi.Wrap(blemidi.ServiceRegistrationFailed, err, "")
	}
	bs := ble.NewService(su)

	for _, c := range svc.Characteristics() {
		cu, err := parseUUID(c.UUID)
		if err != nil {
			return blemidi.Wrap(blemidi.ServiceRegistrationFailed, err, "")
		}
		charUUID := gatt.NormalizeUUID(c.UUID)
		bc := bs.NewCharacteristic(cu)

		if c.Properties.Has(gatt.PropRead) {
			bc.HandleRead(ble.ReadHandlerFunc(s.serveRead(charUUID)))
		}
		if c.Properties.Has(gatt.PropWrite) || c.Properties.Has(gatt.PropWriteWithoutResponse) {
			bc.HandleWrite(ble.WriteHandlerFunc(s.serveWrite(charUUID)))
		}
		if c.Properties.Has(gatt.PropNotify) {
			bc.HandleNotify(ble.NotifyHandlerFunc(s.serveNotify(charUUID)))
		}
		// handlers add their own property bits; publish exactly what was declared
		bc.Property = toBLEProperty(c.Properties)

		for _, d := range c.Descriptors {
			du, err := parseUUID(d.UUID)
			if err != nil {
				return blemidi.Wrap(blemidi.ServiceRegistrationFailed, err, "")
			}
			bc.NewDescriptor(du).SetValue(d.Value)
		}
	}

	if err := s.dev.AddService(bs); err != nil {
		s.logger.WithError(err).WithField("service", svc.UUID).Error("Failed to register GATT service")
		return blemidi.Wrap(blemidi.ServiceRegistrationFailed, NormalizeError(err), "")
	}
	s.logger.WithFields(logrus.Fields{
		"service":         gatt.FormatUUID(svc.UUID),
		"characteristics": len(svc.Characteristics()),
	}).Info("Registered GATT service")
	return nil
}

func centralOf(req ble.Request) string {
	if req == nil || req.Conn() == nil || req.Conn().RemoteAddr() == nil {
		return "unknown"
	}
	return req.Conn().RemoteAddr().String()
}

func (s *PeripheralStack) serveRead(charUUID string) func(ble.Request, ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		r := device.NewResponder()
		if !s.emit(device.ReadRequest{
			Characteristic: charUUID,
			Central:        centralOf(req),
			Offset:         req.Offset(),
			Responder:      r,
		}) {
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}

		resp := r.Wait(s.ctx, s.responseTimeout)
		rsp.SetStatus(attStatus(resp))
		if resp.Outcome == device.Success && len(resp.Value) > 0 {
			if _, err := rsp.Write(resp.Value); err != nil {
				s.logger.WithError(err).Warn("Failed to write read response")
			}
		}
	}
}

func (s *PeripheralStack) serveWrite(charUUID string) func(ble.Request, ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		value := append([]byte(nil), req.Data()...)
		r := device.NewResponder()
		if !s.emit(device.WriteRequest{
			Characteristic: charUUID,
			Central:        centralOf(req),
			Offset:         req.Offset(),
			Value:          value,
			Responder:      r,
		}) {
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}

		resp := r.Wait(s.ctx, s.responseTimeout)
		rsp.SetStatus(attStatus(resp))
	}
}

// serveNotify runs for the lifetime of one subscription.
func (s *PeripheralStack) serveNotify(charUUID string) func(ble.Request, ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		central := centralOf(req)
		key := charUUID + "|" + central
		sub := &subscriber{char: charUUID, central: central, notifier: n}
		s.subs.Set(key, sub)
		s.emit(device.SubscriptionUpdate{Characteristic: charUUID, Central: central, Subscribed: true})

		select {
		case <-n.Context().Done():
		case <-s.ctx.Done():
		}

		// only remove our own entry; a re-subscription may have replaced it
		if cur, ok := s.subs.Get(key); ok && cur == sub {
			s.subs.Del(key)
		}
		s.emit(device.SubscriptionUpdate{Characteristic: charUUID, Central: central, Subscribed: false})
	}
}

// Advertise starts advertising in the background. go-ble's advertise call
// blocks for the advertising lifetime, so success is reported once it has
// survived the grace period.
func (s *PeripheralStack) Advertise(ctx context.Context, name string, serviceUUIDs []string) error {
	uuids := make([]ble.UUID, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		bu, err := parseUUID(u)
		if err != nil {
			return blemidi.Wrap(blemidi.AdvertisingFailed, err, "")
		}
		uuids = append(uuids, bu)
	}

	s.advMu.Lock()
	defer s.advMu.Unlock()
	if s.advCancel != nil {
		return blemidi.Errorf(blemidi.AdvertisingFailed, "already advertising")
	}

	advCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	errCh := make(chan error, 1)

	groutine.Go(advCtx, "ble-advertise", func(ctx context.Context) {
		defer close(done)
		errCh <- s.dev.AdvertiseNameAndServices(ctx, name, uuids...)
	})

	select {
	case err := <-errCh:
		cancel()
		if err == nil || errors.Is(err, context.Canceled) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return blemidi.Errorf(blemidi.AdvertisingFailed, "advertising ended immediately")
		}
		s.logger.WithError(err).Error("Failed to start advertising")
		return blemidi.Wrap(blemidi.AdvertisingFailed, NormalizeError(err), "")
	case <-time.After(s.advertiseGrace):
	}

	s.advCancel = cancel
	s.advDone = done
	s.logger.WithField("name", name).Info("Advertising started")
	return nil
}

// StopAdvertising ends a running advertisement. It is a no-op when not advertising.
func (s *PeripheralStack) StopAdvertising() error {
	s.advMu.Lock()
	cancel, done := s.advCancel, s.advDone
	s.advCancel, s.advDone = nil, nil
	s.advMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("advertising did not stop within 2s")
	}
	s.logger.Info("Advertising stopped")
	return nil
}

// Notify writes data to every subscriber of charUUID.
func (s *PeripheralStack) Notify(charUUID string, data []byte) (int, error) {
	key := gatt.NormalizeUUID(charUUID)
	var (
		sent int
		errs []error
	)
	s.subs.Range(func(_ string, sub *subscriber) bool {
		if sub.char != key {
			return true
		}
		sub.mu.Lock()
		_, err := sub.notifier.Write(data)
		sub.mu.Unlock()
		if err != nil {
			s.logger.WithError(err).WithField("central", sub.central).Warn("Failed to notify subscriber")
			errs = append(errs, err)
			return true
		}
		sent++
		return true
	})
	if sent == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return sent, nil
}

// ClearSubscriptions closes every subscriber's notifier. The serving
// handlers then report the subscriptions as ended.
func (s *PeripheralStack) ClearSubscriptions() {
	s.subs.Range(func(key string, sub *subscriber) bool {
		_ = sub.notifier.Close()
		s.subs.Del(key)
		return true
	})
}

// Close stops advertising, ends all subscriptions and releases the device.
func (s *PeripheralStack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if stopErr := s.StopAdvertising(); stopErr != nil {
			err = stopErr
		}
		s.cancel()
		s.ClearSubscriptions()

		s.emitMu.Lock()
		s.closed = true
		close(s.events)
		s.emitMu.Unlock()

		if rmErr := s.dev.RemoveAllServices(); rmErr != nil {
			s.logger.WithError(rmErr).Debug("Failed to remove GATT services")
		}
		if stopErr := s.dev.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		if s.power != nil {
			_ = s.power.Close()
		}
	})
	return err
}
