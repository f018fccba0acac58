package device

import "fmt"

// PeripheralEvent is one of StateUpdate, SubscriptionUpdate, ReadRequest or
// WriteRequest. Consumers dispatch with a type switch.
type PeripheralEvent interface {
	fmt.Stringer
	peripheralEvent()
}

// StateUpdate reports a radio power transition.
type StateUpdate struct {
	Powered bool
}

// SubscriptionUpdate reports a central enabling or disabling notifications.
type SubscriptionUpdate struct {
	Characteristic string
	Central        string
	Subscribed     bool
}

// ReadRequest asks for a characteristic value starting at Offset.
// Exactly one response must be given through Responder.
type ReadRequest struct {
	Characteristic string
	Central        string
	Offset         int
	Responder      *Responder
}

// WriteRequest carries a value written by a central. Exactly one response
// must be given through Responder, even for write commands, where the stack
// discards it.
type WriteRequest struct {
	Characteristic  string
	Central         string
	Offset          int
	Value           []byte
	WithoutResponse bool
	Responder       *Responder
}

func (StateUpdate) peripheralEvent()        {}
func (SubscriptionUpdate) peripheralEvent() {}
func (ReadRequest) peripheralEvent()        {}
func (WriteRequest) peripheralEvent()       {}

func (e StateUpdate) String() string {
	if e.Powered {
		return "state(powered-on)"
	}
	return "state(powered-off)"
}

func (e SubscriptionUpdate) String() string {
	verb := "unsubscribed"
	if e.Subscribed {
		verb = "subscribed"
	}
	return fmt.Sprintf("%s %s %s", e.Central, verb, e.Characteristic)
}

func (e ReadRequest) String() string {
	return fmt.Sprintf("read %s offset=%d from %s", e.Characteristic, e.Offset, e.Central)
}

func (e WriteRequest) String() string {
	return fmt.Sprintf("write %s offset=%d len=%d from %s", e.Characteristic, e.Offset, len(e.Value), e.Central)
}
