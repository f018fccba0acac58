//go:build !cgo

package rtmidi

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/source/midiport"
)

// NewPort returns an unavailable port; rtmidi requires cgo.
func NewPort(logger *logrus.Logger) *midiport.Port {
	if logger != nil {
		logger.Warn("System MIDI driver unavailable: built without cgo")
	}
	return midiport.New(nil, logger)
}
