package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
)

// NormalizeError maps known go-ble error strings onto the bridge error kinds.
// Unknown errors are returned unchanged so callers can wrap them with the
// kind that fits the operation.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "central manager has invalid state"),
		strings.Contains(msg, "peripheral manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is Bluetooth turned on"):
		return blemidi.Wrap(blemidi.AdapterPoweredOff, err, "")
	case containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no supported devices available"),
		containsIgnoreCase(msg, "operation not permitted"):
		return blemidi.Wrap(blemidi.AdapterUnavailable, err, "")
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return blemidi.Wrap(blemidi.ConnectionFailed, err, "")
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// attStatus translates a failure reason into the ATT error code sent to the central.
func attStatus(resp device.Response) ble.ATTError {
	if resp.Outcome == device.Success {
		return ble.ErrSuccess
	}
	switch resp.Reason {
	case device.ReasonInvalidOffset:
		return ble.ErrInvalidOffset
	case device.ReasonNotPermitted:
		return ble.ErrWriteNotPerm
	case device.ReasonUnknownHandle:
		return ble.ErrInvalidHandle
	default:
		return ble.ErrUnlikely
	}
}

func parseUUID(s string) (ble.UUID, error) {
	u, err := ble.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}
