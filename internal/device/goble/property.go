package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blemidi/internal/gatt"
)

// fromBLEProperty converts go-ble property bits, dropping those the bridge does not model.
func fromBLEProperty(p ble.Property) gatt.Property {
	var out gatt.Property
	if p&ble.CharRead != 0 {
		out |= gatt.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= gatt.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= gatt.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= gatt.PropNotify
	}
	return out
}

// toBLEProperty is the inverse of fromBLEProperty.
func toBLEProperty(p gatt.Property) ble.Property {
	var out ble.Property
	if p.Has(gatt.PropRead) {
		out |= ble.CharRead
	}
	if p.Has(gatt.PropWrite) {
		out |= ble.CharWrite
	}
	if p.Has(gatt.PropWriteWithoutResponse) {
		out |= ble.CharWriteNR
	}
	if p.Has(gatt.PropNotify) {
		out |= ble.CharNotify
	}
	return out
}
