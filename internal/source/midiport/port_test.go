package midiport_test

import (
	"testing"
	"time"

	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/source"
	"github.com/srg/blemidi/internal/source/midiport"
	"github.com/srg/blemidi/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2/drivers/testdrv"
)

func TestUnavailablePort(t *testing.T) {
	p := midiport.New(nil, nil)

	assert.False(t, p.Available())
	_, err := p.Ports()
	assert.ErrorIs(t, err, source.ErrUnavailable)
	assert.ErrorIs(t, p.Open(""), source.ErrUnavailable)
	assert.ErrorIs(t, p.OpenOutput(""), source.ErrUnavailable)
	assert.NoError(t, p.Disconnect())
}

func TestOpenUnknownPort(t *testing.T) {
	h := testutils.NewTestHelper(t)
	p := midiport.New(testdrv.New("unknown"), h.Logger)

	err := p.Open("No Such Keyboard")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No Such Keyboard")
}

func TestDeliverRequiresOutput(t *testing.T) {
	p := midiport.New(testdrv.New("deliver"), nil)
	assert.ErrorIs(t, p.Deliver(packet.RawEvent{0xF8}), source.ErrNotOpen)
}

func TestLoopback(t *testing.T) {
	// GOAL: Events sent to the output come back through the input handler as raw events
	//
	// TEST SCENARIO: testdrv loops out→in → open both → Deliver note on → handler receives it
	h := testutils.NewTestHelper(t)
	p := midiport.New(testdrv.New("loop"), h.Logger)
	require.True(t, p.Available())

	ins, err := p.Ports()
	require.NoError(t, err)
	require.NotEmpty(t, ins)

	received := make(chan packet.RawEvent, 4)
	p.OnEvents(func(events []packet.RawEvent) {
		for _, ev := range events {
			received <- ev
		}
	})
	require.NoError(t, p.Open(ins[0]))
	require.Error(t, p.Open(ins[0]), "input is already open")
	require.NoError(t, p.OpenOutput(""))

	require.NoError(t, p.Deliver(packet.RawEvent{0x90, 0x3C, 0x64}))

	select {
	case ev := <-received:
		assert.Equal(t, packet.RawEvent{0x90, 0x3C, 0x64}, ev)
	case <-time.After(time.Second):
		t.Fatal("no event received on loopback input")
	}

	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())
	select {
	case <-p.Done():
	default:
		t.Fatal("Done must be closed after Disconnect")
	}
	assert.ErrorIs(t, p.Deliver(packet.RawEvent{0xF8}), source.ErrNotOpen)
	assert.Error(t, p.Open(""), "a disconnected port cannot be reopened")
}
