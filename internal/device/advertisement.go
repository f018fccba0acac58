package device

import "github.com/srg/blemidi/internal/gatt"

// Advertisement is a single advertising report seen during a scan.
type Advertisement struct {
	Address     string
	LocalName   string
	Services    []string // advertised service UUIDs, normalized
	RSSI        int
	Connectable bool
}

// HasService reports whether uuid is among the advertised services.
func (a Advertisement) HasService(uuid string) bool {
	for _, s := range a.Services {
		if gatt.EqualUUID(s, uuid) {
			return true
		}
	}
	return false
}
