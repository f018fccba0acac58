// Package gatt models the GATT attributes a peripheral publishes: services,
// their characteristics and descriptors, with the property and permission
// flags a BLE stack needs to register them.
package gatt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/srg/blemidi"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Property is the set of operations a characteristic advertises.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
)

const allProperties = PropRead | PropWrite | PropWriteWithoutResponse | PropNotify

// Has reports whether all bits of p2 are set in p.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

func (p Property) String() string {
	var parts []string
	if p.Has(PropRead) {
		parts = append(parts, "read")
	}
	if p.Has(PropWrite) {
		parts = append(parts, "write")
	}
	if p.Has(PropWriteWithoutResponse) {
		parts = append(parts, "write-without-response")
	}
	if p.Has(PropNotify) {
		parts = append(parts, "notify")
	}
	return strings.Join(parts, ",")
}

// Permission is the access a remote central is granted on a characteristic value.
type Permission uint8

const (
	PermReadable Permission = 1 << iota
	PermWriteable
)

// Has reports whether all bits of p2 are set in p.
func (p Permission) Has(p2 Permission) bool {
	return p&p2 == p2
}

// Descriptor is a characteristic descriptor with an optional static value.
type Descriptor struct {
	UUID  string
	Value []byte
}

// Characteristic is a GATT characteristic. Its cached value may change while
// the service is published; everything else is fixed once the owning
// service has been validated.
type Characteristic struct {
	UUID        string
	Properties  Property
	Permissions Permission
	Descriptors []*Descriptor

	mu    sync.RWMutex
	value []byte
}

// NewCharacteristic creates a characteristic with an empty cached value.
func NewCharacteristic(uuid string, props Property, perms Permission) *Characteristic {
	return &Characteristic{UUID: uuid, Properties: props, Permissions: perms}
}

// AddDescriptor appends a descriptor and returns the characteristic for chaining.
func (c *Characteristic) AddDescriptor(uuid string, value []byte) *Characteristic {
	c.Descriptors = append(c.Descriptors, &Descriptor{UUID: uuid, Value: value})
	return c
}

// Value returns a copy of the cached value. A never-written characteristic
// returns an empty, non-nil slice.
func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]byte, len(c.value))
	copy(out, c.value)
	return out
}

// SetValue replaces the cached value with a copy of v.
func (c *Characteristic) SetValue(v []byte) {
	buf := make([]byte, len(v))
	copy(buf, v)
	c.mu.Lock()
	c.value = buf
	c.mu.Unlock()
}

func (c *Characteristic) validate(service string) error {
	if _, err := ValidateUUID(c.UUID); err != nil {
		return fmt.Errorf("characteristic in service %s: %w", service, err)
	}
	if c.Properties == 0 {
		return fmt.Errorf("characteristic %s has no properties", c.UUID)
	}
	if c.Properties&^allProperties != 0 {
		return fmt.Errorf("characteristic %s has unknown property bits 0x%02X", c.UUID, uint8(c.Properties&^allProperties))
	}
	if c.Properties.Has(PropRead) && !c.Permissions.Has(PermReadable) {
		return fmt.Errorf("characteristic %s is readable but lacks read permission", c.UUID)
	}
	if (c.Properties.Has(PropWrite) || c.Properties.Has(PropWriteWithoutResponse)) && !c.Permissions.Has(PermWriteable) {
		return fmt.Errorf("characteristic %s is writable but lacks write permission", c.UUID)
	}

	seen := make(map[string]struct{}, len(c.Descriptors))
	for _, d := range c.Descriptors {
		n, err := ValidateUUID(d.UUID)
		if err != nil {
			return fmt.Errorf("descriptor of characteristic %s: %w", c.UUID, err)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("characteristic %s has duplicate descriptor %s", c.UUID, d.UUID)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Service is a GATT service whose characteristics keep insertion order and
// can be looked up by UUID.
type Service struct {
	UUID    string
	Primary bool

	chars  *orderedmap.OrderedMap[string, *Characteristic]
	sealed bool
}

// NewService creates an empty service.
func NewService(uuid string, primary bool) *Service {
	return &Service{
		UUID:    uuid,
		Primary: primary,
		chars:   orderedmap.New[string, *Characteristic](),
	}
}

// AddCharacteristic appends c. It fails on a duplicate UUID or after Validate has sealed the service.
func (s *Service) AddCharacteristic(c *Characteristic) error {
	if s.sealed {
		return fmt.Errorf("service %s is sealed", s.UUID)
	}
	key := NormalizeUUID(c.UUID)
	if _, exists := s.chars.Get(key); exists {
		return fmt.Errorf("service %s already has characteristic %s", s.UUID, c.UUID)
	}
	s.chars.Set(key, c)
	return nil
}

// Characteristic looks up a characteristic by UUID in any textual form.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	return s.chars.Get(NormalizeUUID(uuid))
}

// Characteristics returns the characteristics in insertion order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Validate checks the definition and seals the service against further
// structural changes. Failures are reported as ServiceRegistrationFailed.
func (s *Service) Validate() error {
	if _, err := ValidateUUID(s.UUID); err != nil {
		return blemidi.Wrap(blemidi.ServiceRegistrationFailed, err, "service")
	}
	if s.chars.Len() == 0 {
		return blemidi.Errorf(blemidi.ServiceRegistrationFailed, "service %s has no characteristics", s.UUID)
	}
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.validate(s.UUID); err != nil {
			return blemidi.Wrap(blemidi.ServiceRegistrationFailed, err, "service "+s.UUID)
		}
	}
	s.sealed = true
	return nil
}

// NewMIDIService builds the BLE-MIDI primary service with its single
// data I/O characteristic (read, write without response, notify).
func NewMIDIService() *Service {
	svc := NewService(blemidi.MIDIServiceUUID, true)
	_ = svc.AddCharacteristic(NewCharacteristic(
		blemidi.MIDICharacteristicUUID,
		PropRead|PropWriteWithoutResponse|PropNotify,
		PermReadable|PermWriteable,
	))
	return svc
}
