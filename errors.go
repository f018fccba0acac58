package blemidi

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind string

const (
	AdapterUnavailable        Kind = "adapter_unavailable"
	PeripheralNotFound        Kind = "peripheral_not_found"
	ConnectionFailed          Kind = "connection_failed"
	CharacteristicNotFound    Kind = "characteristic_not_found"
	ServiceRegistrationFailed Kind = "service_registration_failed"
	AdvertisingFailed         Kind = "advertising_failed"
	AdapterPoweredOff         Kind = "adapter_powered_off"
	WriteFailure              Kind = "write_failure"
	EmptyPayload              Kind = "empty_payload"
	MalformedPacket           Kind = "malformed_packet"
	SourceClosed              Kind = "source_closed"
)

// Error is the error type returned by every bridge component.
//
// Two errors match under errors.Is when their kinds are equal, so callers
// compare against the sentinel values below regardless of message or cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per Kind
var (
	ErrAdapterUnavailable        = &Error{Kind: AdapterUnavailable}
	ErrPeripheralNotFound        = &Error{Kind: PeripheralNotFound}
	ErrConnectionFailed          = &Error{Kind: ConnectionFailed}
	ErrCharacteristicNotFound    = &Error{Kind: CharacteristicNotFound}
	ErrServiceRegistrationFailed = &Error{Kind: ServiceRegistrationFailed}
	ErrAdvertisingFailed         = &Error{Kind: AdvertisingFailed}
	ErrAdapterPoweredOff         = &Error{Kind: AdapterPoweredOff}
	ErrWriteFailure              = &Error{Kind: WriteFailure}
	ErrEmptyPayload              = &Error{Kind: EmptyPayload}
	ErrMalformedPacket           = &Error{Kind: MalformedPacket}
	ErrSourceClosed              = &Error{Kind: SourceClosed}
)

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to a lower-level error. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
