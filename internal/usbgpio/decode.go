package usbgpio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/lockerkit/gpiobridge/internal/types"
)

// Reply is one decoded unit read back from an adapter.
type Reply interface{ isReply() }

// Ack is the terminated echo of a command: opcode-0x10 plus the operands.
type Ack struct {
	Opcode   byte
	Operands []byte
}

// StatusLine is one line of the unterminated ASCII stream produced by the
// query-all commands, in adapter-reported order.
type StatusLine struct {
	Bits []GpioBit
}

// CounterReport is a 0x4D frame: either the reply to a counter query/clear or
// an auto-report emitted by the adapter on its own.
type CounterReport struct {
	Gpio  uint8
	Count uint32
}

// Malformed carries bytes that were discarded while resynchronizing.
type Malformed struct {
	Raw []byte
}

func (Ack) isReply()           {}
func (StatusLine) isReply()    {}
func (CounterReport) isReply() {}
func (Malformed) isReply()     {}

const maxLineLen = 256

type expectation struct {
	ack        byte
	operandLen int
}

// Decoder is a stateful scanner over the raw byte stream of one serial line.
// It distinguishes terminated acknowledgement frames from streaming ASCII
// status lines by leading token, and resynchronizes past garbage by
// discarding bytes until the next recognized prefix.
type Decoder struct {
	buf    []byte
	expect []expectation
}

// Expect records that op was just written, so the decoder knows the arity of
// the variable-length echoes (discrete set, contiguous set, ranged query).
// Streaming commands produce no echo and push nothing.
func (d *Decoder) Expect(op Op, frame []byte) {
	if Streaming(op) {
		return
	}
	operands := len(frame) - 1
	if op.Opcode() == OpRangedQuery {
		// reply carries the queried bits after the echoed operands
		q := op.(RangedQuery)
		operands += int(q.End-q.Start) + 1
	}
	if op.Opcode() == OpCounterQuery {
		operands = counterReportLen
	}
	d.expect = append(d.expect, expectation{ack: AckOpcode(op.Opcode()), operandLen: operands})
}

// Feed appends raw bytes and returns every complete reply now available.
func (d *Decoder) Feed(p []byte) []Reply {
	d.buf = append(d.buf, p...)
	var out []Reply
	for {
		r, ok := d.next()
		if !ok {
			return out
		}
		if r != nil {
			out = append(out, r)
		}
	}
}

func (d *Decoder) next() (Reply, bool) {
	if len(d.buf) == 0 {
		return nil, false
	}
	b := d.buf[0]
	switch {
	case b == 'C':
		return d.nextLine()
	case isAckOpcode(b):
		return d.nextAck(b)
	default:
		return d.resync()
	}
}

func (d *Decoder) nextLine() (Reply, bool) {
	nl := bytes.IndexByte(d.buf, '\n')
	if nl < 0 {
		if len(d.buf) > maxLineLen {
			return d.resyncFrom(1)
		}
		return nil, false
	}
	raw := d.buf[:nl]
	d.buf = d.buf[nl+1:]
	line, err := parseStatusLine(string(bytes.TrimRight(raw, "\r")))
	if err != nil {
		return Malformed{Raw: append([]byte(nil), raw...)}, true
	}
	return line, true
}

func (d *Decoder) nextAck(op byte) (Reply, bool) {
	n := -1
	if len(d.expect) > 0 && d.expect[0].ack == op {
		n = d.expect[0].operandLen
	} else if fixed := ackOperandLen(op); fixed >= 0 {
		n = fixed
	}
	if n < 0 {
		// variable-arity echo with no recorded command; cannot size it
		return d.resyncFrom(1)
	}
	if len(d.buf) < 1+n {
		return nil, false
	}
	operands := append([]byte(nil), d.buf[1:1+n]...)
	d.buf = d.buf[1+n:]
	if len(d.expect) > 0 && d.expect[0].ack == op {
		d.expect = d.expect[1:]
	}
	if op == AckOpcode(OpCounterQuery) && n == counterReportLen {
		return CounterReport{
			Gpio:  operands[0],
			Count: binary.BigEndian.Uint32(operands[1:5]),
		}, true
	}
	return Ack{Opcode: op, Operands: operands}, true
}

// resync drops bytes until the next recognized prefix and reports them.
func (d *Decoder) resync() (Reply, bool) {
	return d.resyncFrom(0)
}

func (d *Decoder) resyncFrom(start int) (Reply, bool) {
	i := start
	for ; i < len(d.buf); i++ {
		if d.buf[i] == 'C' || isAckOpcode(d.buf[i]) {
			break
		}
	}
	dropped := append([]byte(nil), d.buf[:i]...)
	d.buf = d.buf[i:]
	if len(dropped) == 0 {
		return nil, false
	}
	return Malformed{Raw: dropped}, true
}

// ParseAck reconstructs the operation a terminated echo acknowledges.
func ParseAck(a Ack) (Op, error) {
	bad := func(msg string) error {
		return &types.ProtocolError{Raw: a.Operands, Msg: msg}
	}
	switch a.Opcode {
	case AckOpcode(OpDiscreteSet):
		if len(a.Operands) == 0 || len(a.Operands)%2 != 0 {
			return nil, bad("discrete set echo with odd operand count")
		}
		op := DiscreteSet{}
		for i := 0; i < len(a.Operands); i += 2 {
			op.Pairs = append(op.Pairs, GpioBit{Gpio: a.Operands[i], Bit: a.Operands[i+1]})
		}
		return op, nil
	case AckOpcode(OpContiguousSet):
		if len(a.Operands) == 0 {
			return nil, bad("empty contiguous set echo")
		}
		return ContiguousSet{Bits: append([]uint8(nil), a.Operands...)}, nil
	case AckOpcode(OpDelayedSet):
		if len(a.Operands) != 4 {
			return nil, bad("delayed set echo needs 4 operands")
		}
		return DelayedSet{
			Gpio:    a.Operands[0],
			DelayMs: binary.BigEndian.Uint16(a.Operands[1:3]),
			Bit:     a.Operands[3],
		}, nil
	case AckOpcode(OpQueryOne):
		if len(a.Operands) != 2 {
			return nil, bad("query-one echo needs 2 operands")
		}
		return QueryOne{Gpio: a.Operands[0]}, nil
	case AckOpcode(OpPwmSet):
		if len(a.Operands) != 4 {
			return nil, bad("pwm echo needs 4 operands")
		}
		return PwmSet{
			Channel: a.Operands[0],
			FreqHz:  binary.BigEndian.Uint16(a.Operands[1:3]),
			Duty:    a.Operands[3],
		}, nil
	case AckOpcode(OpCounterConfig):
		if len(a.Operands) != 4 {
			return nil, bad("counter config echo needs 4 operands")
		}
		return CounterConfig{
			Gpio:       a.Operands[0],
			FilterMs:   a.Operands[1],
			Enable:     a.Operands[2] == 1,
			AutoReport: a.Operands[3] == 1,
		}, nil
	case AckOpcode(OpRangedQuery):
		if len(a.Operands) < 3 {
			return nil, bad("ranged query echo needs at least 3 operands")
		}
		return RangedQuery{Start: a.Operands[0], End: a.Operands[1], Pull: a.Operands[2]}, nil
	}
	return nil, bad(fmt.Sprintf("unknown ack opcode 0x%02X", a.Opcode))
}

// parseStatusLine parses one `CH1:b CH2:b ...` stream line.
func parseStatusLine(s string) (StatusLine, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return StatusLine{}, fmt.Errorf("empty status line")
	}
	line := StatusLine{Bits: make([]GpioBit, 0, len(fields))}
	for _, f := range fields {
		rest, ok := strings.CutPrefix(f, "CH")
		if !ok {
			return StatusLine{}, fmt.Errorf("bad status field %q", f)
		}
		idxStr, bitStr, ok := strings.Cut(rest, ":")
		if !ok {
			return StatusLine{}, fmt.Errorf("bad status field %q", f)
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 1 || idx > MaxGpio {
			return StatusLine{}, fmt.Errorf("bad channel index in %q", f)
		}
		bit, err := strconv.Atoi(bitStr)
		if err != nil || (bit != 0 && bit != 1) {
			return StatusLine{}, fmt.Errorf("bad bit value in %q", f)
		}
		line.Bits = append(line.Bits, GpioBit{Gpio: uint8(idx), Bit: uint8(bit)})
	}
	return line, nil
}
