//go:build !linux

package goble

import "github.com/sirupsen/logrus"

func defaultPowerMonitor(*logrus.Logger) PowerMonitor {
	return nil
}
