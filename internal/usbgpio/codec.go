package usbgpio

import (
	"encoding/binary"
	"fmt"

	"github.com/lockerkit/gpiobridge/internal/types"
)

// GpioBit pairs a GPIO index with a bit value.
type GpioBit struct {
	Gpio uint8
	Bit  uint8
}

// Op is a structured adapter operation that can be encoded onto the wire.
type Op interface {
	// Opcode returns the command byte.
	Opcode() byte
	// Encode validates the operands and returns the full command frame.
	Encode() ([]byte, error)
}

// DiscreteSet writes individual GPIOs (opcode 0x3A).
type DiscreteSet struct {
	Pairs []GpioBit
}

func (o DiscreteSet) Opcode() byte { return OpDiscreteSet }

func (o DiscreteSet) Encode() ([]byte, error) {
	if len(o.Pairs) == 0 {
		return nil, &types.ValidationError{Field: "pairs", Msg: "empty discrete set"}
	}
	frame := make([]byte, 0, 1+2*len(o.Pairs))
	frame = append(frame, OpDiscreteSet)
	for _, p := range o.Pairs {
		if err := checkGpio(p.Gpio); err != nil {
			return nil, err
		}
		if err := checkBit(p.Bit); err != nil {
			return nil, err
		}
		frame = append(frame, p.Gpio, p.Bit)
	}
	return frame, nil
}

// ContiguousSet writes all GPIOs from index 1 in one frame (opcode 0x3B).
type ContiguousSet struct {
	Bits []uint8
}

func (o ContiguousSet) Opcode() byte { return OpContiguousSet }

func (o ContiguousSet) Encode() ([]byte, error) {
	if len(o.Bits) == 0 || len(o.Bits) > MaxGpio {
		return nil, &types.ValidationError{
			Field: "bits",
			Msg:   fmt.Sprintf("contiguous set needs 1..%d bits, got %d", MaxGpio, len(o.Bits)),
		}
	}
	frame := make([]byte, 0, 1+len(o.Bits))
	frame = append(frame, OpContiguousSet)
	for _, b := range o.Bits {
		if err := checkBit(b); err != nil {
			return nil, err
		}
		frame = append(frame, b)
	}
	return frame, nil
}

// DelayedSet flips one GPIO after the given delay (opcode 0x3C). The delay is
// 16-bit big-endian milliseconds on the wire.
type DelayedSet struct {
	Gpio    uint8
	DelayMs uint16
	Bit     uint8
}

func (o DelayedSet) Opcode() byte { return OpDelayedSet }

func (o DelayedSet) Encode() ([]byte, error) {
	if err := checkGpio(o.Gpio); err != nil {
		return nil, err
	}
	if err := checkBit(o.Bit); err != nil {
		return nil, err
	}
	frame := make([]byte, 5)
	frame[0] = OpDelayedSet
	frame[1] = o.Gpio
	binary.BigEndian.PutUint16(frame[2:4], o.DelayMs)
	frame[4] = o.Bit
	return frame, nil
}

// QueryAll switches the adapter into streaming status mode (0x3D drives the
// lines high, 0x3E low). The stream runs until any other command is issued.
type QueryAll struct {
	DriveHigh bool
}

func (o QueryAll) Opcode() byte {
	if o.DriveHigh {
		return OpQueryAllHigh
	}
	return OpQueryAllLow
}

func (o QueryAll) Encode() ([]byte, error) {
	return []byte{o.Opcode(), queryAllOperand}, nil
}

// QueryOne reads a single GPIO (opcode 0x3F).
type QueryOne struct {
	Gpio uint8
}

func (o QueryOne) Opcode() byte { return OpQueryOne }

func (o QueryOne) Encode() ([]byte, error) {
	if err := checkGpio(o.Gpio); err != nil {
		return nil, err
	}
	return []byte{OpQueryOne, o.Gpio}, nil
}

// PwmSet configures one of the three PWM channels (opcode 0x5A). Duty is a
// percentage, mapped to 0..0x64 on the wire.
type PwmSet struct {
	Channel uint8
	FreqHz  uint16
	Duty    uint8
}

func (o PwmSet) Opcode() byte { return OpPwmSet }

func (o PwmSet) Encode() ([]byte, error) {
	if o.Channel < 1 || o.Channel > 3 {
		return nil, &types.ValidationError{Field: "channel", Msg: fmt.Sprintf("pwm channel %d out of [1,3]", o.Channel)}
	}
	if o.Duty > 100 {
		return nil, &types.ValidationError{Field: "duty", Msg: fmt.Sprintf("duty %d out of [0,100]", o.Duty)}
	}
	frame := make([]byte, 5)
	frame[0] = OpPwmSet
	frame[1] = o.Channel
	binary.BigEndian.PutUint16(frame[2:4], o.FreqHz)
	frame[4] = o.Duty
	return frame, nil
}

// RangedQuery reads a GPIO range with an explicit pull mode (opcode 0x5B).
type RangedQuery struct {
	Start uint8
	End   uint8
	Pull  uint8 // 0 or 1
}

func (o RangedQuery) Opcode() byte { return OpRangedQuery }

func (o RangedQuery) Encode() ([]byte, error) {
	if err := checkGpio(o.Start); err != nil {
		return nil, err
	}
	if err := checkGpio(o.End); err != nil {
		return nil, err
	}
	if o.Start > o.End {
		return nil, &types.ValidationError{Field: "range", Msg: fmt.Sprintf("start %d > end %d", o.Start, o.End)}
	}
	if err := checkBit(o.Pull); err != nil {
		return nil, &types.ValidationError{Field: "pull", Msg: "pull mode must be 0 or 1"}
	}
	return []byte{OpRangedQuery, o.Start, o.End, o.Pull}, nil
}

// CounterConfig arms the pulse counter on one GPIO (opcode 0x5C).
type CounterConfig struct {
	Gpio       uint8
	FilterMs   uint8
	Enable     bool
	AutoReport bool
}

func (o CounterConfig) Opcode() byte { return OpCounterConfig }

func (o CounterConfig) Encode() ([]byte, error) {
	if err := checkGpio(o.Gpio); err != nil {
		return nil, err
	}
	return []byte{OpCounterConfig, o.Gpio, o.FilterMs, boolByte(o.Enable), boolByte(o.AutoReport)}, nil
}

// CounterOp queries or clears a GPIO pulse counter (opcode 0x5D).
type CounterOp struct {
	Gpio  uint8
	Query bool // false clears
}

func (o CounterOp) Opcode() byte { return OpCounterQuery }

func (o CounterOp) Encode() ([]byte, error) {
	if err := checkGpio(o.Gpio); err != nil {
		return nil, err
	}
	return []byte{OpCounterQuery, o.Gpio, boolByte(o.Query)}, nil
}

func checkGpio(g uint8) error {
	if g < 1 || g > MaxGpio {
		return &types.ValidationError{Field: "gpio", Msg: fmt.Sprintf("gpio %d out of [1,%d]", g, MaxGpio)}
	}
	return nil
}

func checkBit(b uint8) error {
	if b > 1 {
		return &types.ValidationError{Field: "bit", Msg: fmt.Sprintf("bit value %d must be 0 or 1", b)}
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Streaming reports whether the command switches the adapter into the
// unterminated status stream instead of producing one echo frame.
func Streaming(op Op) bool {
	_, ok := op.(QueryAll)
	return ok
}
