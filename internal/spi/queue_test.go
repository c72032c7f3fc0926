package spi

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedWrite struct {
	gpio uint8
	bit  uint8
}

// drain steps virtual time forward until the queue is idle and returns every
// transition in order.
func drain(t *testing.T, q *Queue) []recordedWrite {
	t.Helper()
	var writes []recordedWrite
	now := time.Unix(0, 0)
	for i := 0; i < 10000; i++ {
		deadline, ok := q.NextDeadline(now)
		if !ok {
			return writes
		}
		if deadline.After(now) {
			now = deadline
		}
		err := q.Advance(now, func(gpio, bit uint8) error {
			writes = append(writes, recordedWrite{gpio, bit})
			return nil
		})
		require.NoError(t, err)
	}
	t.Fatal("queue never drained")
	return nil
}

func testPins() map[int]ChannelPins {
	return map[int]ChannelPins{
		1: {Clk: 1, Data: 2, Cs: 3},
		2: {Clk: 4, Data: 5, Cs: 6},
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := NewQueue(testPins(), 2*time.Millisecond)

	assert.Error(t, q.Enqueue(Frame{Channel: 9, Bits: "10"}), "unknown channel")
	assert.Error(t, q.Enqueue(Frame{Channel: 1, Bits: ""}), "empty bits")
	assert.Error(t, q.Enqueue(Frame{Channel: 1, Bits: "102"}), "non-binary bits")
	assert.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "10", Release: true}))
}

func TestEnqueueAllRejectsWholeBatch(t *testing.T) {
	q := NewQueue(testPins(), time.Millisecond)

	err := q.EnqueueAll([]Frame{
		{Channel: 1, Bits: "10", Release: true},
		{Channel: 2, Bits: "1x", Release: true},
	})
	assert.Error(t, err)
	assert.False(t, q.Pending(), "a bad frame must not leave earlier frames enqueued")
}

func TestFrameExpansion(t *testing.T) {
	q := NewQueue(testPins(), time.Millisecond)
	require.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "10", Release: true, Edge: EdgeFalling}))

	writes := drain(t, q)
	want := []recordedWrite{
		{3, 0},                 // cs assert
		{2, 1}, {1, 1}, {1, 0}, // bit 1, clock pulse
		{2, 0}, {1, 1}, {1, 0}, // bit 0, clock pulse
		{3, 1}, // cs release
	}
	assert.Equal(t, want, writes)
	assert.False(t, q.Pending())
}

func TestRisingEdgeClockPolarity(t *testing.T) {
	q := NewQueue(testPins(), time.Millisecond)
	require.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "1", Release: true, Edge: EdgeRising}))

	writes := drain(t, q)
	want := []recordedWrite{
		{3, 0},
		{2, 1}, {1, 0}, {1, 1},
		{3, 1},
	}
	assert.Equal(t, want, writes)
}

func TestChipSelectHoldAcrossFrames(t *testing.T) {
	q := NewQueue(testPins(), time.Millisecond)
	// first frame holds cs
	require.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "1", Release: false}))
	writes := drain(t, q)
	assert.Equal(t, recordedWrite{3, 0}, writes[0])
	assert.NotContains(t, writes, recordedWrite{3, 1}, "held frame must not release cs")

	// next "down" frame on the held channel gets a release/assert pulse
	require.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "1", Release: false}))
	writes = drain(t, q)
	require.GreaterOrEqual(t, len(writes), 2)
	assert.Equal(t, []recordedWrite{{3, 1}, {3, 0}}, writes[:2])

	// the "up" frame finally releases
	require.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "1", Release: true}))
	writes = drain(t, q)
	assert.Equal(t, recordedWrite{3, 1}, writes[len(writes)-1])
}

func TestFifoAcrossChannels(t *testing.T) {
	q := NewQueue(testPins(), time.Millisecond)
	require.NoError(t, q.EnqueueAll([]Frame{
		{Channel: 1, Bits: "1", Release: true},
		{Channel: 2, Bits: "1", Release: true},
		{Channel: 1, Bits: "0", Release: true},
	}))

	writes := drain(t, q)

	// group writes back into frames by chip-select edges of each channel
	var order []int
	for _, w := range writes {
		if (w.gpio == 3 || w.gpio == 6) && w.bit == 0 {
			if w.gpio == 3 {
				order = append(order, 1)
			} else {
				order = append(order, 2)
			}
		}
	}
	assert.Equal(t, []int{1, 2, 1}, order, "frames drain in arrival order, never per channel")
}

func TestLagSpacesTransitions(t *testing.T) {
	q := NewQueue(testPins(), 5*time.Millisecond)
	require.NoError(t, q.Enqueue(Frame{Channel: 1, Bits: "1", Release: true}))

	now := time.Unix(0, 0)
	var count int
	step := func(at time.Time) {
		err := q.Advance(at, func(uint8, uint8) error {
			count++
			return nil
		})
		require.NoError(t, err)
	}

	step(now)
	assert.Equal(t, 1, count)

	// before the lag elapses nothing more happens
	step(now.Add(2 * time.Millisecond))
	assert.Equal(t, 1, count)

	deadline, ok := q.NextDeadline(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Millisecond), deadline)

	step(deadline)
	assert.Equal(t, 2, count)
}

func TestWriteErrorAbortsFrame(t *testing.T) {
	q := NewQueue(testPins(), time.Millisecond)
	require.NoError(t, q.EnqueueAll([]Frame{
		{Channel: 1, Bits: "1", Release: true},
		{Channel: 2, Bits: "1", Release: true},
	}))

	boom := errors.New("line gone")
	err := q.Advance(time.Unix(0, 0), func(uint8, uint8) error { return boom })
	assert.ErrorIs(t, err, boom)

	// the aborted frame is gone but the next one still drains
	writes := drain(t, q)
	assert.NotEmpty(t, writes)
	assert.Equal(t, recordedWrite{6, 0}, writes[0], "next frame starts with its own cs assert")
}
