package usbgpio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/lockerkit/gpiobridge/internal/types"
	"go.uber.org/zap"
)

// LineState tracks whether a serial line is usable.
type LineState int

const (
	LineReady LineState = iota
	LineDegraded
)

// LineEvent is what the read pump hands to the event loop: either one decoded
// reply or a transport failure (after which the pump exits).
type LineEvent struct {
	Alias string
	Reply Reply
	Err   error
}

// OpenFunc opens the underlying port; swapped for the loopback in --simulate.
type OpenFunc func() (Port, error)

// Line owns one duplex channel to an adapter. All control methods (Send,
// Reopen, MarkDegraded) are called from the event loop only; the internal
// pump goroutine does nothing but convert bytes to LineEvents.
type Line struct {
	alias  string
	open   OpenFunc
	logger *zap.Logger

	port      Port
	state     LineState
	streaming bool

	decMu sync.Mutex
	dec   Decoder

	events   chan<- LineEvent
	pumpStop chan struct{}

	backoff    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	nextReopen time.Time
}

// NewLine wires a line to the event loop's shared event channel; every
// adapter's pump feeds the same channel so one select covers them all.
func NewLine(alias string, open OpenFunc, events chan<- LineEvent, backoffMin, backoffMax time.Duration, logger *zap.Logger) *Line {
	return &Line{
		alias:      alias,
		open:       open,
		logger:     logger.With(zap.String("alias", alias)),
		state:      LineDegraded,
		events:     events,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		backoff:    backoffMin,
	}
}

func (l *Line) Alias() string { return l.alias }

func (l *Line) Degraded() bool { return l.state == LineDegraded }

func (l *Line) Streaming() bool { return l.streaming }

func (l *Line) ReopenAt() time.Time { return l.nextReopen }

// Open attempts the initial open. Failure leaves the line Degraded with a
// reopen scheduled; the daemon keeps running.
func (l *Line) Open() error {
	return l.Reopen()
}

// Reopen tries to (re)open the port. On failure the backoff doubles up to the
// configured maximum and the next attempt time is recorded.
func (l *Line) Reopen() error {
	port, err := l.open()
	if err != nil {
		l.nextReopen = time.Now().Add(l.backoff)
		l.logger.Warn("Serial open failed, backing off",
			zap.Duration("backoff", l.backoff),
			zap.Error(err))
		l.backoff = min(l.backoff*2, l.backoffMax)
		return &types.TransportError{Alias: l.alias, Op: "open", Err: err}
	}

	l.port = port
	l.state = LineReady
	l.streaming = false
	l.backoff = l.backoffMin
	l.nextReopen = time.Time{}
	l.decMu.Lock()
	l.dec = Decoder{}
	l.decMu.Unlock()

	l.pumpStop = make(chan struct{})
	go l.pump(port, l.pumpStop)

	l.logger.Info("Serial line open")
	return nil
}

// Send encodes and writes one command. A write failure degrades the line and
// fails fast; pending callers get an explicit error instead of hanging.
func (l *Line) Send(op Op) error {
	if l.state != LineReady {
		return &types.TransportError{Alias: l.alias, Op: "write", Err: errDegraded}
	}
	frame, err := op.Encode()
	if err != nil {
		return err
	}

	l.decMu.Lock()
	l.dec.Expect(op, frame)
	l.decMu.Unlock()

	if _, err := l.port.Write(frame); err != nil {
		l.MarkDegraded()
		return &types.TransportError{Alias: l.alias, Op: "write", Err: err}
	}

	// Any command supersedes an active query-all stream on the device.
	l.streaming = Streaming(op)
	return nil
}

// MarkDegraded transitions to Degraded, stops the pump and schedules a reopen.
func (l *Line) MarkDegraded() {
	if l.state == LineDegraded {
		return
	}
	l.state = LineDegraded
	l.streaming = false
	if l.pumpStop != nil {
		close(l.pumpStop)
		l.pumpStop = nil
	}
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.nextReopen = time.Now().Add(l.backoff)
	l.logger.Warn("Serial line degraded", zap.Duration("reopen_in", l.backoff))
	l.backoff = min(l.backoff*2, l.backoffMax)
}

// Close shuts the line down for good.
func (l *Line) Close() {
	if l.pumpStop != nil {
		close(l.pumpStop)
		l.pumpStop = nil
	}
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.state = LineDegraded
}

func (l *Line) pump(port Port, stop chan struct{}) {
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		select {
		case <-stop:
			return
		default:
		}
		if n > 0 {
			l.decMu.Lock()
			replies := l.dec.Feed(buf[:n])
			l.decMu.Unlock()
			for _, r := range replies {
				l.events <- LineEvent{Alias: l.alias, Reply: r}
			}
		}
		// tarm reports a read timeout as EOF on some platforms; only a real
		// I/O error degrades the line.
		if err != nil && !errors.Is(err, io.EOF) {
			l.events <- LineEvent{
				Alias: l.alias,
				Err:   &types.TransportError{Alias: l.alias, Op: "read", Err: err},
			}
			return
		}
	}
}

var errDegraded = degradedError{}

type degradedError struct{}

func (degradedError) Error() string { return "line degraded" }
