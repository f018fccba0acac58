package packet

import (
	"errors"
	"testing"

	"github.com/srg/blemidi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		payload RawEvent
		want    WirePacket
	}{
		{name: "note on", payload: RawEvent{0x90, 0x3C, 0x64}, want: WirePacket{0x80, 0x80, 0x90, 0x3C, 0x64}},
		{name: "single byte", payload: RawEvent{0xF8}, want: WirePacket{0x80, 0x80, 0xF8}},
		{name: "program change", payload: RawEvent{0xC0, 0x05}, want: WirePacket{0x80, 0x80, 0xC0, 0x05}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(tt.payload)+Overhead)
		})
	}
}

func TestEncode_EmptyPayload(t *testing.T) {
	for _, payload := range []RawEvent{nil, {}} {
		pkt, err := Encode(payload)
		assert.Nil(t, pkt)
		assert.True(t, errors.Is(err, blemidi.ErrEmptyPayload))
	}
}

func TestEncode_DoesNotAliasPayload(t *testing.T) {
	payload := RawEvent{0x90, 0x3C, 0x64}
	pkt, err := Encode(payload)
	require.NoError(t, err)

	payload[0] = 0x80
	assert.Equal(t, byte(0x90), pkt[2])
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		pkt     WirePacket
		want    RawEvent
		wantErr bool
	}{
		{name: "note on", pkt: WirePacket{0x80, 0x80, 0x90, 0x3C, 0x64}, want: RawEvent{0x90, 0x3C, 0x64}},
		{name: "header only", pkt: WirePacket{0x80, 0x80}, want: RawEvent{}},
		{name: "non-zero timestamp", pkt: WirePacket{0x8A, 0xF3, 0xB0, 0x07, 0x7F}, want: RawEvent{0xB0, 0x07, 0x7F}},
		{name: "header missing high bit", pkt: WirePacket{0x00, 0x80, 0x90}, wantErr: true},
		{name: "timestamp missing high bit", pkt: WirePacket{0x80, 0x10, 0x90}, wantErr: true},
		{name: "too short", pkt: WirePacket{0x80}, wantErr: true},
		{name: "empty", pkt: WirePacket{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.pkt)
			if tt.wantErr {
				assert.True(t, errors.Is(err, blemidi.ErrMalformedPacket), "got %v", err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_EncodeRoundTrip(t *testing.T) {
	payloads := []RawEvent{
		{0x90, 0x3C, 0x64},
		{0x80, 0x3C, 0x00},
		{0xF0, 0x7E, 0x7F, 0x09, 0x01, 0xF7},
		{0xFE},
	}
	for _, p := range payloads {
		pkt, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(pkt)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "<empty>", Describe(nil))
	assert.NotEmpty(t, Describe(RawEvent{0x90, 0x3C, 0x64}))
}
