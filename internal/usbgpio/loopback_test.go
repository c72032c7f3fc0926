package usbgpio

import (
	"testing"
	"time"
)

func readReplies(t *testing.T, lb *Loopback, d *Decoder, want int) []Reply {
	t.Helper()
	var out []Reply
	buf := make([]byte, 256)
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		done := make(chan struct{})
		var n int
		var err error
		go func() {
			n, err = lb.Read(buf)
			close(done)
		}()
		select {
		case <-done:
		case <-deadline:
			t.Fatalf("timed out after %d of %d replies", len(out), want)
		}
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		out = append(out, d.Feed(buf[:n])...)
	}
	return out
}

func TestLoopbackEchoesDiscreteSet(t *testing.T) {
	lb := NewLoopback(nil)
	defer lb.Close()

	var d Decoder
	op := DiscreteSet{Pairs: []GpioBit{{Gpio: 4, Bit: 1}}}
	frame, err := op.Encode()
	if err != nil {
		t.Fatal(err)
	}
	d.Expect(op, frame)
	if _, err := lb.Write(frame); err != nil {
		t.Fatal(err)
	}

	replies := readReplies(t, lb, &d, 1)
	ack, ok := replies[0].(Ack)
	if !ok {
		t.Fatalf("got %T, want Ack", replies[0])
	}
	back, err := ParseAck(ack)
	if err != nil {
		t.Fatal(err)
	}
	set := back.(DiscreteSet)
	if len(set.Pairs) != 1 || set.Pairs[0] != (GpioBit{Gpio: 4, Bit: 1}) {
		t.Errorf("echo = %+v", set)
	}
}

func TestLoopbackQueryOneSeesEarlierWrite(t *testing.T) {
	lb := NewLoopback(nil)
	defer lb.Close()

	var d Decoder
	set := DiscreteSet{Pairs: []GpioBit{{Gpio: 9, Bit: 1}}}
	setFrame, _ := set.Encode()
	d.Expect(set, setFrame)
	lb.Write(setFrame)

	q := QueryOne{Gpio: 9}
	qFrame, _ := q.Encode()
	d.Expect(q, qFrame)
	lb.Write(qFrame)

	replies := readReplies(t, lb, &d, 2)
	ack, ok := replies[1].(Ack)
	if !ok {
		t.Fatalf("got %T, want Ack", replies[1])
	}
	if len(ack.Operands) != 2 || ack.Operands[0] != 9 || ack.Operands[1] != 1 {
		t.Errorf("query echo = % X", ack.Operands)
	}
}

func TestLoopbackScenarioPlayback(t *testing.T) {
	scenario := &Scenario{Steps: []ScenarioStep{
		{After: 5 * time.Millisecond, Line: "CH1:1 CH2:1"},
		{After: 5 * time.Millisecond, Line: "CH1:0 CH2:1"},
	}}
	lb := NewLoopback(scenario)
	defer lb.Close()

	var d Decoder
	op := QueryAll{DriveHigh: true}
	frame, _ := op.Encode()
	d.Expect(op, frame)
	lb.Write(frame)

	replies := readReplies(t, lb, &d, 2)
	first, ok := replies[0].(StatusLine)
	if !ok {
		t.Fatalf("got %T, want StatusLine", replies[0])
	}
	if len(first.Bits) != 2 || first.Bits[0].Bit != 1 {
		t.Errorf("first line = %+v", first.Bits)
	}
	second := replies[1].(StatusLine)
	if second.Bits[0].Bit != 0 {
		t.Errorf("second line = %+v", second.Bits)
	}
}

func TestLoopbackCounterQuery(t *testing.T) {
	lb := NewLoopback(nil)
	defer lb.Close()

	var d Decoder
	op := CounterOp{Gpio: 3, Query: true}
	frame, _ := op.Encode()
	d.Expect(op, frame)
	lb.Write(frame)

	replies := readReplies(t, lb, &d, 1)
	rep, ok := replies[0].(CounterReport)
	if !ok {
		t.Fatalf("got %T, want CounterReport", replies[0])
	}
	if rep.Gpio != 3 || rep.Count != 0 {
		t.Errorf("report = %+v", rep)
	}
}
