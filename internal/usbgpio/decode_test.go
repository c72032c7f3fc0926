package usbgpio

import (
	"reflect"
	"testing"
)

func feedAll(t *testing.T, d *Decoder, chunks ...[]byte) []Reply {
	t.Helper()
	var out []Reply
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return out
}

func TestDecodeAckEcho(t *testing.T) {
	var d Decoder
	op := DiscreteSet{Pairs: []GpioBit{{Gpio: 4, Bit: 1}}}
	frame, _ := op.Encode()
	d.Expect(op, frame)

	replies := d.Feed([]byte{0x2A, 0x04, 0x01})
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	ack, ok := replies[0].(Ack)
	if !ok {
		t.Fatalf("got %T, want Ack", replies[0])
	}
	if ack.Opcode != 0x2A || !reflect.DeepEqual(ack.Operands, []byte{0x04, 0x01}) {
		t.Errorf("ack = %+v", ack)
	}
}

func TestDecodeAckSplitAcrossReads(t *testing.T) {
	var d Decoder
	op := DelayedSet{Gpio: 2, DelayMs: 500, Bit: 1}
	frame, _ := op.Encode()
	d.Expect(op, frame)

	replies := feedAll(t, &d, []byte{0x2C, 0x02}, []byte{0x01, 0xF4}, []byte{0x01})
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if _, ok := replies[0].(Ack); !ok {
		t.Fatalf("got %T, want Ack", replies[0])
	}
}

func TestDecodeStatusStream(t *testing.T) {
	var d Decoder
	replies := d.Feed([]byte("CH1:1 CH2:0 CH3:1\nCH1:1 CH2:1 CH3:1\n"))
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	first, ok := replies[0].(StatusLine)
	if !ok {
		t.Fatalf("got %T, want StatusLine", replies[0])
	}
	want := []GpioBit{{Gpio: 1, Bit: 1}, {Gpio: 2, Bit: 0}, {Gpio: 3, Bit: 1}}
	if !reflect.DeepEqual(first.Bits, want) {
		t.Errorf("bits = %+v, want %+v", first.Bits, want)
	}
}

func TestDecodePartialStatusLine(t *testing.T) {
	var d Decoder
	if replies := d.Feed([]byte("CH1:1 CH2")); len(replies) != 0 {
		t.Fatalf("incomplete line produced %d replies", len(replies))
	}
	replies := d.Feed([]byte(":0\n"))
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	line := replies[0].(StatusLine)
	want := []GpioBit{{Gpio: 1, Bit: 1}, {Gpio: 2, Bit: 0}}
	if !reflect.DeepEqual(line.Bits, want) {
		t.Errorf("bits = %+v, want %+v", line.Bits, want)
	}
}

func TestDecodeResyncPastGarbage(t *testing.T) {
	var d Decoder
	op := QueryOne{Gpio: 7}
	frame, _ := op.Encode()
	d.Expect(op, frame)

	replies := d.Feed([]byte{0x00, 0xDE, 0xAD, 0x2F, 0x07, 0x01})
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	mal, ok := replies[0].(Malformed)
	if !ok {
		t.Fatalf("got %T, want Malformed first", replies[0])
	}
	if !reflect.DeepEqual(mal.Raw, []byte{0x00, 0xDE, 0xAD}) {
		t.Errorf("dropped = % X", mal.Raw)
	}
	if _, ok := replies[1].(Ack); !ok {
		t.Errorf("got %T after resync, want Ack", replies[1])
	}
}

func TestDecodeCounterReport(t *testing.T) {
	var d Decoder
	op := CounterOp{Gpio: 3, Query: true}
	frame, _ := op.Encode()
	d.Expect(op, frame)

	replies := d.Feed([]byte{0x4D, 0x03, 0x00, 0x01, 0x86, 0xA0})
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	rep, ok := replies[0].(CounterReport)
	if !ok {
		t.Fatalf("got %T, want CounterReport", replies[0])
	}
	if rep.Gpio != 3 || rep.Count != 100000 {
		t.Errorf("report = %+v", rep)
	}
}

func TestDecodeAckInterleavedWithStream(t *testing.T) {
	var d Decoder
	op := CounterOp{Gpio: 2, Query: true}
	frame, _ := op.Encode()
	d.Expect(op, frame)

	replies := d.Feed([]byte("CH1:0 CH2:1\n\x4D\x02\x00\x00\x00\x05CH1:1 CH2:1\n"))
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}
	if _, ok := replies[0].(StatusLine); !ok {
		t.Errorf("replies[0] = %T, want StatusLine", replies[0])
	}
	if rep, ok := replies[1].(CounterReport); !ok || rep.Count != 5 {
		t.Errorf("replies[1] = %+v, want count 5", replies[1])
	}
	if _, ok := replies[2].(StatusLine); !ok {
		t.Errorf("replies[2] = %T, want StatusLine", replies[2])
	}
}

func TestDecodeMalformedStatusLine(t *testing.T) {
	var d Decoder
	replies := d.Feed([]byte("CH1:banana\n"))
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if _, ok := replies[0].(Malformed); !ok {
		t.Errorf("got %T, want Malformed", replies[0])
	}
}
