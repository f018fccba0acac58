//go:build cgo

// Package rtmidi opens the system MIDI ports through rtmidi.
package rtmidi

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/source/midiport"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// NewPort opens the rtmidi driver and wraps it. When the driver cannot be
// opened the returned port reports itself unavailable.
func NewPort(logger *logrus.Logger) *midiport.Port {
	drv, err := rtmididrv.New()
	if err != nil {
		if logger != nil {
			logger.WithError(fmt.Errorf("rtmidi: %w", err)).Warn("System MIDI driver unavailable")
		}
		return midiport.New(nil, logger)
	}
	return midiport.New(drv, logger)
}
