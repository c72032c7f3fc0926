package usbgpio

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLineBackoffDoubles(t *testing.T) {
	events := make(chan LineEvent, 16)
	fail := errors.New("no such device")
	l := NewLine("locker_set", func() (Port, error) { return nil, fail },
		events, 10*time.Millisecond, 35*time.Millisecond, zap.NewNop())

	if err := l.Open(); err == nil {
		t.Fatal("Open() succeeded against a failing opener")
	}
	if !l.Degraded() {
		t.Fatal("line not degraded after failed open")
	}
	if l.ReopenAt().IsZero() {
		t.Fatal("no reopen scheduled")
	}

	// each failed attempt pushes the next one further out, up to the cap
	first := time.Until(l.ReopenAt())
	l.Reopen()
	second := time.Until(l.ReopenAt())
	l.Reopen()
	l.Reopen()
	capped := time.Until(l.ReopenAt())

	if second <= first {
		t.Errorf("backoff did not grow: first %v, second %v", first, second)
	}
	if capped > 40*time.Millisecond {
		t.Errorf("backoff exceeded cap: %v", capped)
	}
}

func TestLineRecoversAfterReopen(t *testing.T) {
	events := make(chan LineEvent, 16)
	attempts := 0
	l := NewLine("locker_set", func() (Port, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		return NewLoopback(nil), nil
	}, events, time.Millisecond, 10*time.Millisecond, zap.NewNop())
	defer l.Close()

	if err := l.Open(); err == nil {
		t.Fatal("first open should fail")
	}
	if err := l.Reopen(); err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if l.Degraded() {
		t.Fatal("line still degraded after successful reopen")
	}
	if !l.ReopenAt().IsZero() {
		t.Fatal("reopen still scheduled on a healthy line")
	}

	// a command now flows and its echo comes back through the shared channel
	if err := l.Send(DiscreteSet{Pairs: []GpioBit{{Gpio: 2, Bit: 1}}}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected line error: %v", ev.Err)
		}
		if _, ok := ev.Reply.(Ack); !ok {
			t.Fatalf("got %T, want Ack", ev.Reply)
		}
	case <-time.After(time.Second):
		t.Fatal("no echo arrived")
	}
}

func TestSendOnDegradedLineFailsFast(t *testing.T) {
	events := make(chan LineEvent, 1)
	l := NewLine("locker_set", func() (Port, error) { return nil, errors.New("gone") },
		events, time.Millisecond, time.Millisecond, zap.NewNop())
	l.Open()

	if err := l.Send(DiscreteSet{Pairs: []GpioBit{{Gpio: 1, Bit: 1}}}); err == nil {
		t.Fatal("Send() on a degraded line must fail")
	}
}

func TestStreamingFlagFollowsCommands(t *testing.T) {
	events := make(chan LineEvent, 16)
	l := NewLine("locker_get", func() (Port, error) { return NewLoopback(nil), nil },
		events, time.Millisecond, time.Millisecond, zap.NewNop())
	defer l.Close()

	if err := l.Open(); err != nil {
		t.Fatal(err)
	}
	if l.Streaming() {
		t.Fatal("fresh line must not be streaming")
	}
	if err := l.Send(QueryAll{DriveHigh: true}); err != nil {
		t.Fatal(err)
	}
	if !l.Streaming() {
		t.Fatal("query-all must mark the line streaming")
	}
	if err := l.Send(QueryOne{Gpio: 1}); err != nil {
		t.Fatal(err)
	}
	if l.Streaming() {
		t.Fatal("any other command ends the stream")
	}
}
