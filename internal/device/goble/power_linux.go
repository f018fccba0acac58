package goble

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/device/bluez"
)

// defaultPowerMonitor watches the BlueZ adapter. Without a system bus the
// stack falls back to treating the adapter as powered.
func defaultPowerMonitor(logger *logrus.Logger) PowerMonitor {
	m, err := bluez.NewPowerMonitor(logger)
	if err != nil {
		logger.WithError(err).Debug("BlueZ power monitor unavailable")
		return nil
	}
	return m
}
