// Package blemidi bridges local MIDI event sources to Bluetooth Low Energy
// using the BLE-MIDI GATT profile, either as a central writing to a remote
// instrument or as a peripheral that remote centrals subscribe to.
package blemidi

// Well-known BLE-MIDI identifiers.
const (
	MIDIServiceUUID        = "03B80E5A-EDE8-4B33-A751-6CE34EC4C700"
	MIDICharacteristicUUID = "7772E5DB-3868-4112-A1A9-F2669D106BF3"
)
