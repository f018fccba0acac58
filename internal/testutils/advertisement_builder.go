package testutils

import (
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
)

// AdvertisementBuilder builds device.Advertisement values for testing.
type AdvertisementBuilder struct {
	adv device.Advertisement
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder.
// The builder starts with connectable=true and RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: device.Advertisement{Connectable: true, RSSI: -50}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.LocalName = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	for _, u := range uuids {
		b.adv.Services = append(b.adv.Services, gatt.NormalizeUUID(u))
	}
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Connectable = c
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	out := b.adv
	out.Services = append([]string(nil), b.adv.Services...)
	return out
}
