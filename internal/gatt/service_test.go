package gatt

import (
	"errors"
	"testing"

	"github.com/srg/blemidi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMIDIService(t *testing.T) {
	svc := NewMIDIService()

	require.NoError(t, svc.Validate())
	assert.True(t, svc.Primary)
	assert.True(t, EqualUUID(blemidi.MIDIServiceUUID, svc.UUID))

	chars := svc.Characteristics()
	require.Len(t, chars, 1)
	c := chars[0]
	assert.True(t, EqualUUID(blemidi.MIDICharacteristicUUID, c.UUID))
	assert.True(t, c.Properties.Has(PropRead|PropWriteWithoutResponse|PropNotify))
	assert.False(t, c.Properties.Has(PropWrite))
	assert.True(t, c.Permissions.Has(PermReadable|PermWriteable))
	assert.NotNil(t, c.Value())
	assert.Empty(t, c.Value())
}

func TestService_LookupAndOrder(t *testing.T) {
	svc := NewService("180D", true)
	require.NoError(t, svc.AddCharacteristic(NewCharacteristic("2A37", PropNotify, 0)))
	require.NoError(t, svc.AddCharacteristic(NewCharacteristic("2A38", PropRead, PermReadable)))
	require.NoError(t, svc.AddCharacteristic(NewCharacteristic("2A39", PropWrite, PermWriteable)))

	var order []string
	for _, c := range svc.Characteristics() {
		order = append(order, c.UUID)
	}
	assert.Equal(t, []string{"2A37", "2A38", "2A39"}, order)

	c, ok := svc.Characteristic("00002a38-0000-1000-8000-00805f9b34fb")
	require.True(t, ok)
	assert.Equal(t, "2A38", c.UUID)

	_, ok = svc.Characteristic("2A40")
	assert.False(t, ok)
}

func TestService_DuplicateCharacteristic(t *testing.T) {
	svc := NewService(blemidi.MIDIServiceUUID, true)
	require.NoError(t, svc.AddCharacteristic(NewCharacteristic(blemidi.MIDICharacteristicUUID, PropNotify, 0)))

	err := svc.AddCharacteristic(NewCharacteristic("7772e5db38684112a1a9f2669d106bf3", PropNotify, 0))
	assert.Error(t, err)
}

func TestService_Validate(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Service
		ok    bool
	}{
		{
			name:  "midi service",
			build: NewMIDIService,
			ok:    true,
		},
		{
			name:  "no characteristics",
			build: func() *Service { return NewService("180F", true) },
		},
		{
			name: "invalid service uuid",
			build: func() *Service {
				return withChar(NewService("xyz", true), NewCharacteristic("2A19", PropRead, PermReadable))
			},
		},
		{
			name:  "no properties",
			build: func() *Service { return withChar(NewService("180F", true), NewCharacteristic("2A19", 0, PermReadable)) },
		},
		{
			name:  "read without permission",
			build: func() *Service { return withChar(NewService("180F", true), NewCharacteristic("2A19", PropRead, 0)) },
		},
		{
			name: "write without permission",
			build: func() *Service {
				return withChar(NewService("180F", true), NewCharacteristic("2A19", PropWriteWithoutResponse, PermReadable))
			},
		},
		{
			name: "duplicate descriptor",
			build: func() *Service {
				c := NewCharacteristic("2A19", PropNotify, 0).AddDescriptor("2902", nil).AddDescriptor("0x2902", nil)
				return withChar(NewService("180F", true), c)
			},
		},
		{
			name: "unknown property bits",
			build: func() *Service {
				return withChar(NewService("180F", true), NewCharacteristic("2A19", Property(0x80), 0))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, blemidi.ErrServiceRegistrationFailed), "got %v", err)
		})
	}
}

func TestService_SealedAfterValidate(t *testing.T) {
	svc := NewMIDIService()
	require.NoError(t, svc.Validate())

	assert.Error(t, svc.AddCharacteristic(NewCharacteristic("2A19", PropRead, PermReadable)))
}

func TestCharacteristic_ValueIsCopied(t *testing.T) {
	c := NewCharacteristic("2A19", PropRead, PermReadable)
	in := []byte{1, 2, 3}
	c.SetValue(in)
	in[0] = 9

	out := c.Value()
	assert.Equal(t, []byte{1, 2, 3}, out)
	out[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, c.Value())
}

func TestProperty_String(t *testing.T) {
	assert.Equal(t, "read,write-without-response,notify", (PropRead | PropWriteWithoutResponse | PropNotify).String())
	assert.Equal(t, "", Property(0).String())
}

func withChar(s *Service, c *Characteristic) *Service {
	_ = s.AddCharacteristic(c)
	return s
}
