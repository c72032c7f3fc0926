package gpio

import "time"

// Delta is one observed bit transition.
type Delta struct {
	Gpio uint8 `json:"gpio"`
	Bit  uint8 `json:"bit"`
}

// ChangeEvent is a batch of transitions detected in one read cycle of one
// adapter. IDs increase monotonically per daemon session and are never
// reused; subscribers ack them individually.
type ChangeEvent struct {
	ID         uint64
	Timestamp  time.Time
	Alias      string
	DefaultBit uint8
	Deltas     []Delta
}
