package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/internal/queue"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Peripheral is what the scanner knows about one advertiser.
type Peripheral struct {
	Address     string
	Name        string
	Services    []string
	RSSI        int
	Connectable bool
	FirstSeen   time.Time
	LastSeen    time.Time
	Seen        int
}

// HasService reports whether uuid appeared in any advertisement.
func (p Peripheral) HasService(uuid string) bool {
	for _, s := range p.Services {
		if gatt.EqualUUID(s, uuid) {
			return true
		}
	}
	return false
}

// DisplayName returns the advertised name or a placeholder.
func (p Peripheral) DisplayName() string {
	if p.Name == "" {
		return "<unnamed>"
	}
	return p.Name
}

type DeviceEvent struct {
	Type       DeviceEventType
	Peripheral Peripheral
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
	// NamePrefix keeps only advertisers whose name starts with it. Empty disables.
	NamePrefix string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	logger *logrus.Logger
	events *queue.RingChannel[DeviceEvent]

	mu      sync.Mutex // guards order
	devices *hashmap.Map[string, *Peripheral]
	order   *orderedmap.OrderedMap[string, struct{}]

	scanOptions *ScanOptions
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: queue.NewRingChannel[DeviceEvent](100),
		logger: logger,
	}
}

// Scan listens on adapter for opts.Duration (or until ctx ends) and returns
// the accepted peripherals in first-seen order.
func (s *Scanner) Scan(ctx context.Context, adapter device.Adapter, opts *ScanOptions, progressCallback ProgressCallback) ([]Peripheral, error) {
	if adapter == nil {
		return nil, fmt.Errorf("scan adapter is nil")
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.mu.Lock()
	s.devices = hashmap.New[string, *Peripheral]()
	s.order = orderedmap.New[string, struct{}]()
	s.scanOptions = opts
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"adapter":  adapter.Name(),
	}).Info("Starting BLE scan...")

	// Report scanning phase
	progressCallback("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := adapter.Scan(scanCtx, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	// parent cancellation is not a timed-out window
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := s.snapshot()
	s.logger.WithField("device_count", len(result)).Info("BLE scan completed")

	// Report processing phase
	progressCallback("Processing results")
	return result, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	if adv.Address == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices == nil {
		return
	}

	now := time.Now()
	p, existing := s.devices.Get(adv.Address)
	if !existing {
		if !s.shouldInclude(adv) {
			return
		}
		p = &Peripheral{Address: adv.Address, FirstSeen: now}
		s.devices.Set(adv.Address, p)
		s.order.Set(adv.Address, struct{}{})
	}

	mergeAdvertisement(p, adv, now)
	event := DeviceEvent{Peripheral: clonePeripheral(p)}

	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  p.DisplayName(),
			"address": p.Address,
			"rssi":    p.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// mergeAdvertisement folds adv into p. Scan responses often carry only part
// of the data, so names and services are never cleared by a later packet.
func mergeAdvertisement(p *Peripheral, adv device.Advertisement, now time.Time) {
	if adv.LocalName != "" {
		p.Name = adv.LocalName
	}
	for _, svc := range adv.Services {
		if !p.HasService(svc) {
			p.Services = append(p.Services, gatt.NormalizeUUID(svc))
		}
	}
	p.RSSI = adv.RSSI
	p.Connectable = p.Connectable || adv.Connectable
	p.LastSeen = now
	p.Seen++
}

// shouldInclude applies to allow/block/service filters
func (s *Scanner) shouldInclude(adv device.Advertisement) bool {
	opts := s.scanOptions

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(adv.Address, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(adv.Address, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.NamePrefix != "" && !strings.HasPrefix(adv.LocalName, opts.NamePrefix) {
		return false
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			if adv.HasService(required) {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

func (s *Scanner) snapshot() []Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Peripheral, 0, s.order.Len())
	for pair := s.order.Oldest(); pair != nil; pair = pair.Next() {
		if p, ok := s.devices.Get(pair.Key); ok {
			out = append(out, clonePeripheral(p))
		}
	}
	return out
}

func clonePeripheral(p *Peripheral) Peripheral {
	c := *p
	c.Services = append([]string(nil), p.Services...)
	return c
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
