package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResponder_ExactlyOnce(t *testing.T) {
	r := NewResponder()

	assert.True(t, r.Succeed([]byte{0x01}))
	assert.False(t, r.Fail(ReasonNotPermitted))
	assert.False(t, r.Succeed(nil))

	resp := r.Wait(context.Background(), time.Second)
	assert.Equal(t, Success, resp.Outcome)
	assert.Equal(t, []byte{0x01}, resp.Value)
}

func TestResponder_WaitTimeout(t *testing.T) {
	r := NewResponder()

	resp := r.Wait(context.Background(), 10*time.Millisecond)
	assert.Equal(t, Failure, resp.Outcome)
	assert.Equal(t, ReasonTimeout, resp.Reason)

	// a late handler response is dropped
	assert.False(t, r.Succeed([]byte{0x01}))
}

func TestResponder_WaitCanceled(t *testing.T) {
	r := NewResponder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := r.Wait(ctx, time.Minute)
	assert.Equal(t, Failure, resp.Outcome)
}

func TestResponder_ConcurrentResponses(t *testing.T) {
	r := NewResponder()
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() { results <- r.Succeed(nil) }()
	}

	won := 0
	for i := 0; i < 10; i++ {
		if <-results {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestAdvertisement_HasService(t *testing.T) {
	adv := Advertisement{Services: []string{"03b80e5aede84b33a7516ce34ec4c700", "180f"}}

	assert.True(t, adv.HasService("03B80E5A-EDE8-4B33-A751-6CE34EC4C700"))
	assert.True(t, adv.HasService("0x180F"))
	assert.False(t, adv.HasService("180D"))
}

func TestPeripheralEvent_Strings(t *testing.T) {
	events := []PeripheralEvent{
		StateUpdate{Powered: true},
		SubscriptionUpdate{Characteristic: "7772", Central: "c1", Subscribed: true},
		ReadRequest{Characteristic: "7772", Central: "c1"},
		WriteRequest{Characteristic: "7772", Central: "c1", Value: []byte{1}},
	}
	for _, ev := range events {
		assert.NotEmpty(t, ev.String())
	}
	assert.Equal(t, "state(powered-off)", StateUpdate{}.String())
}

func TestNotFoundError(t *testing.T) {
	assert.Equal(t, "adapter not found", (&NotFoundError{Resource: "adapter"}).Error())
	assert.Equal(t, `peripheral "CH-8" not found`, (&NotFoundError{Resource: "peripheral", UUIDs: []string{"CH-8"}}).Error())
	assert.Equal(t, `characteristic "7772" not found in service "03b8"`,
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"03b8", "7772"}}).Error())
}
