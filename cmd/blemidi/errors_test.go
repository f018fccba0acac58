package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/source"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
		{
			name:     "plain error is printed as is",
			err:      errors.New("boom"),
			expected: "boom",
		},
		{
			name:     "powered off gets a hint",
			err:      blemidi.Errorf(blemidi.AdapterPoweredOff, "radio is off"),
			expected: "adapter_powered_off: radio is off (hint: turn Bluetooth on and retry)",
		},
		{
			name:     "wrapped kinds are found",
			err:      fmt.Errorf("central: %w", blemidi.Errorf(blemidi.PeripheralNotFound, "no match for %q", "Piano")),
			expected: `central: peripheral_not_found: no match for "Piano" (hint: make sure the instrument is advertising, or widen --discovery-window)`,
		},
		{
			name:     "kind without hint",
			err:      blemidi.ErrMalformedPacket,
			expected: "malformed_packet",
		},
		{
			name:     "unavailable source",
			err:      fmt.Errorf("failed to open MIDI source: %w", source.ErrUnavailable),
			expected: "failed to open MIDI source: midi source unavailable (hint: no system MIDI driver; try --source=pty)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}
