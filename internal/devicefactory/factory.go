// Package devicefactory selects the concrete BLE stack for each role.
package devicefactory

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/device/goble"
	"github.com/srg/blemidi/internal/device/tinyble"
)

// Central backends
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Backends lists the accepted central backend names.
func Backends() []string {
	return []string{BackendGoBLE, BackendTinyGo}
}

// StackFactory creates the central-role stack for a backend name.
// This is a variable so that it can be overridden in tests.
var StackFactory = func(backend string, logger *logrus.Logger) (device.Stack, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGoBLE:
		return goble.NewStack(logger), nil
	case BackendTinyGo:
		return tinyble.NewStack(logger), nil
	default:
		return nil, fmt.Errorf("unknown BLE backend %q (want one of %s)", backend, strings.Join(Backends(), ", "))
	}
}

// PeripheralFactory creates the peripheral-role stack.
// This is a variable so that it can be overridden in tests.
var PeripheralFactory = func(logger *logrus.Logger, responseTimeout time.Duration) (device.PeripheralStack, error) {
	return goble.NewPeripheralStack(goble.PeripheralOptions{
		Logger:          logger,
		ResponseTimeout: responseTimeout,
	})
}
