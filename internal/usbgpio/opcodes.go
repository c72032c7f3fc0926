package usbgpio

// Command opcodes of the USB-to-GPIO adapter. Every terminated command echoes
// its operands under opcode-0x10; 0x3D/0x3E switch the adapter into an
// unterminated ASCII status stream instead.
const (
	OpDiscreteSet    = 0x3A // (gpio, bit)+
	OpContiguousSet  = 0x3B // bit* from GPIO 1
	OpDelayedSet     = 0x3C // gpio, delayHi, delayLo, bit
	OpQueryAllHigh   = 0x3D // 0xFF -> ASCII stream, lines driven high
	OpQueryAllLow    = 0x3E // 0xFF -> ASCII stream, lines driven low
	OpQueryOne       = 0x3F // gpio
	OpPwmSet         = 0x5A // channel, freqHi, freqLo, duty
	OpRangedQuery    = 0x5B // startGpio, endGpio, pullMode
	OpCounterConfig  = 0x5C // gpio, filterMs, enable, autoReport
	OpCounterQuery   = 0x5D // gpio, func (0=clear, 1=query)
	replyOffset      = 0x10
	queryAllOperand  = 0xFF
	counterReportLen = 5 // gpio + 4-byte big-endian count
)

// AckOpcode returns the echo opcode for a terminated command.
func AckOpcode(opcode byte) byte { return opcode - replyOffset }

// MaxGpio is the physical channel count of one adapter.
const MaxGpio = 16

// ackOperandLen gives the fixed operand count of an acknowledgement frame, or
// -1 when the arity depends on the command that produced it (0x2A, 0x2B, 0x4B).
func ackOperandLen(ack byte) int {
	switch ack {
	case AckOpcode(OpDiscreteSet), AckOpcode(OpContiguousSet), AckOpcode(OpRangedQuery):
		return -1
	case AckOpcode(OpDelayedSet), AckOpcode(OpPwmSet), AckOpcode(OpCounterConfig):
		return 4
	case AckOpcode(OpQueryOne):
		return 2
	case AckOpcode(OpCounterQuery):
		return counterReportLen
	default:
		return 0
	}
}

func isAckOpcode(b byte) bool {
	switch b {
	case AckOpcode(OpDiscreteSet), AckOpcode(OpContiguousSet), AckOpcode(OpDelayedSet),
		AckOpcode(OpQueryOne), AckOpcode(OpPwmSet), AckOpcode(OpRangedQuery),
		AckOpcode(OpCounterConfig), AckOpcode(OpCounterQuery):
		return true
	}
	return false
}
