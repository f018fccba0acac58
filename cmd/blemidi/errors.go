package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/source"
)

// userHints maps error kinds to an actionable hint printed after the error.
var userHints = map[blemidi.Kind]string{
	blemidi.AdapterUnavailable:        "check that Bluetooth is enabled and this process may use it",
	blemidi.AdapterPoweredOff:         "turn Bluetooth on and retry",
	blemidi.PeripheralNotFound:        "make sure the instrument is advertising, or widen --discovery-window",
	blemidi.ConnectionFailed:          "move closer to the instrument or disconnect it from other hosts",
	blemidi.CharacteristicNotFound:    "the peripheral does not expose the BLE-MIDI characteristic",
	blemidi.ServiceRegistrationFailed: "another process may own the GATT server",
	blemidi.AdvertisingFailed:         "another process may be advertising on this adapter",
	blemidi.WriteFailure:              "the link dropped while sending; reconnect and retry",
}

// FormatUserError renders err for the terminal: the message followed by a
// hint when the error kind has one.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	if errors.Is(err, source.ErrUnavailable) {
		return fmt.Sprintf("%s (hint: no system MIDI driver; try --source=pty)", msg)
	}
	if hint, ok := userHints[blemidi.KindOf(err)]; ok {
		return fmt.Sprintf("%s (hint: %s)", msg, hint)
	}
	return strings.TrimSpace(msg)
}
