// Package device defines the BLE stack collaborators the bridges depend on.
//
// Central-role code talks to a Stack → Adapter → Connection →
// RemoteCharacteristic chain. Peripheral-role code talks to a
// PeripheralStack, which reports everything that happens on the radio as a
// stream of PeripheralEvent values.
//
// Concrete stacks live in sub-packages (goble, tinyble); tests use the fakes
// in internal/testutils.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blemidi/internal/gatt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "adapter", "peripheral", "service", "characteristic"
	UUIDs    []string // identifiers, outermost first (e.g. [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Operation errors
var (
	ErrUnsupported   = errors.New("unsupported")
	ErrNotAdvertised = errors.New("not advertising")
	ErrStackClosed   = errors.New("stack closed")
)

// Stack is the entry point of a central-role BLE stack.
type Stack interface {
	// Adapters lists the radios available to this process.
	Adapters(ctx context.Context) ([]Adapter, error)
}

// Adapter is a single local radio.
type Adapter interface {
	Name() string

	// Scan reports advertisements to handler until ctx ends. Scan does not
	// de-duplicate; a peripheral may be reported many times. Returning
	// ctx.Err() on cancellation or deadline is not a failure.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Connect dials the peripheral at address, bounded by ctx.
	Connect(ctx context.Context, address string) (Connection, error)
}

// Connection is a live link to a remote peripheral.
type Connection interface {
	Address() string

	// Discover enumerates the remote GATT database.
	Discover(ctx context.Context) ([]RemoteCharacteristic, error)

	// Disconnect tears the link down. It is safe to call more than once.
	Disconnect() error

	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}
}

// RemoteCharacteristic is a characteristic discovered on a remote peripheral.
type RemoteCharacteristic interface {
	ServiceUUID() string
	UUID() string
	Properties() gatt.Property

	// Write sends data; withoutResponse selects an ATT write command instead of a request.
	Write(data []byte, withoutResponse bool) error
}

// PeripheralStack is a peripheral-role BLE stack able to publish GATT
// services and advertise them.
type PeripheralStack interface {
	// Powered reports the current radio power state.
	Powered() bool

	// Events delivers state changes, subscription changes and ATT requests.
	// The channel is closed by Close.
	Events() <-chan PeripheralEvent

	// AddService registers a validated service definition.
	AddService(svc *gatt.Service) error

	// Advertise starts advertising name and serviceUUIDs. It returns once
	// advertising is running or has failed to start; advertising continues
	// until StopAdvertising, Close or ctx cancellation.
	Advertise(ctx context.Context, name string, serviceUUIDs []string) error

	StopAdvertising() error

	// ClearSubscriptions ends every notification subscription. Centrals
	// must subscribe again to receive further notifications.
	ClearSubscriptions()

	// Notify pushes data to every central subscribed to charUUID and
	// returns how many were notified. Zero subscribers is not an error.
	Notify(charUUID string, data []byte) (int, error)

	// Close stops advertising, drops subscriptions and releases the radio.
	Close() error
}
