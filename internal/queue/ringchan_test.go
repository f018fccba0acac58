package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_ForceSendDropsOldest(t *testing.T) {
	rc := NewRingChannel[int](3)
	for i := 0; i < 5; i++ {
		rc.ForceSend(i)
	}

	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}

	assert.Equal(t, []int{2, 3, 4}, got)
	m := rc.Metrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := NewRingChannel[string](1)

	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())
}

func TestRingChannel_Close(t *testing.T) {
	rc := NewRingChannel[int](2)
	rc.ForceSend(1)
	rc.Close()
	rc.Close()

	assert.False(t, rc.ForceSend(2))
	assert.False(t, rc.TrySend(3))

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = rc.Receive()
	assert.False(t, ok)
}

func TestRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
