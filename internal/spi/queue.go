package spi

import (
	"fmt"
	"time"

	"github.com/lockerkit/gpiobridge/internal/types"
)

// ClockEdge selects which clock transition the target device samples on.
type ClockEdge int

const (
	EdgeFalling ClockEdge = iota
	EdgeRising
)

// ChannelPins is the clk/data/cs triple of one logical SPI channel. All
// channels of an adapter share its one physical serial line, which is why
// frames must be totally ordered.
type ChannelPins struct {
	Clk  uint8
	Data uint8
	Cs   uint8
}

// Frame is one bit-banged SPI transaction. Release false ("down") asserts
// chip-select and holds it past the frame; a later frame with Release true
// ("up") releases it for that channel.
type Frame struct {
	Channel int
	Bits    string
	Release bool
	Edge    ClockEdge
}

// step is a single GPIO transition of an ongoing transmission.
type step struct {
	gpio uint8
	bit  uint8
}

type transmission struct {
	frame  Frame
	steps  []step
	idx    int
	nextAt time.Time
}

// Queue serializes bit-banged SPI transactions for one adapter. Frames drain
// strictly in arrival order regardless of channel; each bit transition is a
// scheduled deadline, never a sleep, so the event loop stays responsive.
// Owned exclusively by the event loop.
type Queue struct {
	pins   map[int]ChannelPins
	lag    time.Duration
	frames []Frame
	active *transmission
	held   map[int]bool
}

// minLag keeps sampling correct on lines that cannot keep up; configured
// lag_time below this is clamped.
const minLag = time.Millisecond

func NewQueue(pins map[int]ChannelPins, lag time.Duration) *Queue {
	if lag < minLag {
		lag = minLag
	}
	return &Queue{
		pins: pins,
		lag:  lag,
		held: make(map[int]bool),
	}
}

// Enqueue appends one frame to the FIFO.
func (q *Queue) Enqueue(f Frame) error {
	if err := q.check(f); err != nil {
		return err
	}
	q.frames = append(q.frames, f)
	return nil
}

// EnqueueAll appends a multi-channel batch as one contiguous run. Validation
// happens up front: a bad frame rejects the whole batch, nothing is enqueued.
func (q *Queue) EnqueueAll(frames []Frame) error {
	for _, f := range frames {
		if err := q.check(f); err != nil {
			return err
		}
	}
	q.frames = append(q.frames, frames...)
	return nil
}

func (q *Queue) check(f Frame) error {
	if _, ok := q.pins[f.Channel]; !ok {
		return &types.ValidationError{Field: "spi_num", Msg: fmt.Sprintf("no pins configured for SPI channel %d", f.Channel)}
	}
	if len(f.Bits) == 0 {
		return &types.ValidationError{Field: "spi_data", Msg: "empty bit string"}
	}
	for _, c := range f.Bits {
		if c != '0' && c != '1' {
			return &types.ValidationError{Field: "spi_data", Msg: fmt.Sprintf("bit string contains %q", c)}
		}
	}
	return nil
}

// Pending reports whether any transmission work remains.
func (q *Queue) Pending() bool {
	return q.active != nil || len(q.frames) > 0
}

// NextDeadline returns when the queue next needs the loop's attention.
func (q *Queue) NextDeadline(now time.Time) (time.Time, bool) {
	if q.active != nil {
		return q.active.nextAt, true
	}
	if len(q.frames) > 0 {
		return now, true
	}
	return time.Time{}, false
}

// Advance performs every bit transition that is due. write pushes one GPIO
// set through the adapter's state cache and serial line; a write error
// aborts the active frame (the line is degraded, retrying each remaining
// transition would only fail the same way).
func (q *Queue) Advance(now time.Time, write func(gpio, bit uint8) error) error {
	for {
		if q.active == nil {
			if len(q.frames) == 0 {
				return nil
			}
			f := q.frames[0]
			q.frames = q.frames[1:]
			q.active = &transmission{
				frame:  f,
				steps:  q.expand(f),
				nextAt: now,
			}
		}
		t := q.active
		if t.nextAt.After(now) {
			return nil
		}
		if t.idx < len(t.steps) {
			s := t.steps[t.idx]
			t.idx++
			t.nextAt = now.Add(q.lag)
			if err := write(s.gpio, s.bit); err != nil {
				q.active = nil
				return err
			}
			return nil
		}
		q.held[t.frame.Channel] = !t.frame.Release
		q.active = nil
	}
}

// expand precomputes the GPIO transitions of one frame. Chip-select framing:
// a held channel gets a release/assert pulse before a new "down" frame so
// consecutive transactions stay distinguishable to the target.
func (q *Queue) expand(f Frame) []step {
	pins := q.pins[f.Channel]
	var steps []step
	if q.held[f.Channel] {
		if !f.Release {
			steps = append(steps, step{pins.Cs, 1}, step{pins.Cs, 0})
		}
	} else {
		steps = append(steps, step{pins.Cs, 0})
	}
	for _, c := range f.Bits {
		bit := uint8(c - '0')
		steps = append(steps, step{pins.Data, bit})
		if f.Edge == EdgeFalling {
			steps = append(steps, step{pins.Clk, 1}, step{pins.Clk, 0})
		} else {
			steps = append(steps, step{pins.Clk, 0}, step{pins.Clk, 1})
		}
	}
	if f.Release {
		steps = append(steps, step{pins.Cs, 1})
	}
	return steps
}
