// Package packet converts between raw MIDI events and BLE-MIDI wire packets.
//
// Every outbound packet carries a header byte and a single timestamp byte,
// both fixed to 0x80. Real BLE-MIDI timestamps are not produced; receivers
// treat 0x80/0x80 as "now".
package packet

import (
	"fmt"

	"github.com/srg/blemidi"
	"gitlab.com/gomidi/midi/v2"
)

const (
	// Header is the first byte of every encoded packet (MSB set, timestamp high bits zero).
	Header byte = 0x80

	// Timestamp is the second byte of every encoded packet.
	Timestamp byte = 0x80

	// Overhead is the number of bytes Encode adds in front of the payload.
	Overhead = 2
)

// RawEvent is an opaque MIDI event as produced by a local source.
type RawEvent []byte

// WirePacket is a RawEvent framed for transmission over the BLE-MIDI characteristic.
type WirePacket []byte

// Encode prefixes a non-empty payload with the BLE-MIDI header and timestamp.
// The returned packet never aliases payload.
func Encode(payload RawEvent) (WirePacket, error) {
	if len(payload) == 0 {
		return nil, blemidi.ErrEmptyPayload
	}

	pkt := make(WirePacket, Overhead+len(payload))
	pkt[0] = Header
	pkt[1] = Timestamp
	copy(pkt[Overhead:], payload)
	return pkt, nil
}

// Decode strips the header and timestamp bytes and returns a copy of the payload.
// Packets shorter than two bytes, or whose first two bytes lack the high bit,
// are rejected with ErrMalformedPacket.
func Decode(pkt WirePacket) (RawEvent, error) {
	if len(pkt) < Overhead {
		return nil, blemidi.Errorf(blemidi.MalformedPacket, "packet length %d below %d-byte header", len(pkt), Overhead)
	}
	if pkt[0]&0x80 == 0 {
		return nil, blemidi.Errorf(blemidi.MalformedPacket, "header byte 0x%02X missing high bit", pkt[0])
	}
	if pkt[1]&0x80 == 0 {
		return nil, blemidi.Errorf(blemidi.MalformedPacket, "timestamp byte 0x%02X missing high bit", pkt[1])
	}

	ev := make(RawEvent, len(pkt)-Overhead)
	copy(ev, pkt[Overhead:])
	return ev, nil
}

// Describe renders an event for debug logging, e.g. "NoteOn channel: 0 key: 60 velocity: 100".
func Describe(ev RawEvent) string {
	if len(ev) == 0 {
		return "<empty>"
	}
	s := midi.Message(ev).String()
	if s == "" {
		return fmt.Sprintf("% X", []byte(ev))
	}
	return s
}
