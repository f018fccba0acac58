package goble

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want blemidi.Kind
	}{
		{"nil", nil, ""},
		{"darwin central off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), blemidi.AdapterPoweredOff},
		{"darwin peripheral off", errors.New("peripheral manager has invalid state"), blemidi.AdapterPoweredOff},
		{"hci init", errors.New("can't init hci: no devices available"), blemidi.AdapterUnavailable},
		{"permission", errors.New("socket: Operation not permitted"), blemidi.AdapterUnavailable},
		{"link lost", errors.New("device not connected"), blemidi.ConnectionFailed},
		{"unknown", errors.New("boom"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			require.Error(t, got)
			assert.Equal(t, tt.want, blemidi.KindOf(got))
			assert.ErrorIs(t, got, tt.err, "original error must stay in the chain")
		})
	}
}

func TestAttStatus(t *testing.T) {
	assert.Equal(t, ble.ErrSuccess, attStatus(device.Response{Outcome: device.Success}))
	assert.Equal(t, ble.ErrInvalidOffset, attStatus(device.Response{Outcome: device.Failure, Reason: device.ReasonInvalidOffset}))
	assert.Equal(t, ble.ErrWriteNotPerm, attStatus(device.Response{Outcome: device.Failure, Reason: device.ReasonNotPermitted}))
	assert.Equal(t, ble.ErrInvalidHandle, attStatus(device.Response{Outcome: device.Failure, Reason: device.ReasonUnknownHandle}))
	assert.Equal(t, ble.ErrUnlikely, attStatus(device.Response{Outcome: device.Failure, Reason: device.ReasonTimeout}))
	assert.Equal(t, ble.ErrUnlikely, attStatus(device.Response{Outcome: device.Failure, Reason: device.ReasonMalformedPacket}))
}

func TestPropertyConversion(t *testing.T) {
	midi := gatt.PropRead | gatt.PropWriteWithoutResponse | gatt.PropNotify

	bp := toBLEProperty(midi)
	assert.NotZero(t, bp&ble.CharRead)
	assert.NotZero(t, bp&ble.CharWriteNR)
	assert.NotZero(t, bp&ble.CharNotify)
	assert.Zero(t, bp&ble.CharWrite)

	assert.Equal(t, midi, fromBLEProperty(bp))
	assert.Equal(t, gatt.PropRead, fromBLEProperty(ble.CharRead|ble.CharIndicate), "unmodelled bits are dropped")
}

func TestParseUUID(t *testing.T) {
	u, err := parseUUID(blemidi.MIDIServiceUUID)
	require.NoError(t, err)
	assert.True(t, gatt.EqualUUID(blemidi.MIDIServiceUUID, u.String()))

	_, err = parseUUID("not-a-uuid")
	assert.Error(t, err)
}
