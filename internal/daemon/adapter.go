package daemon

import (
	"sort"
	"time"

	"github.com/lockerkit/gpiobridge/internal/config"
	"github.com/lockerkit/gpiobridge/internal/gpio"
	"github.com/lockerkit/gpiobridge/internal/spi"
	"github.com/lockerkit/gpiobridge/internal/usbgpio"
	"go.uber.org/zap"
)

// Adapter bundles everything owned per physical USB-to-GPIO module: its
// serial line, state cache and, in spi mode, the frame queue. All fields are
// touched only from the event loop.
type Adapter struct {
	cfg   config.AdapterConfig
	line  *usbgpio.Line
	cache *gpio.Cache
	queue *spi.Queue // nil unless spi mode

	delayed []delayedWrite
	logger  *zap.Logger
}

// delayedWrite is a scheduled bit flip. prevBit is the commanded value at
// schedule time: if the cache has moved past it when the deadline fires, a
// newer command superseded this one and it is dropped.
type delayedWrite struct {
	at      time.Time
	gpio    uint8
	bit     uint8
	prevBit uint8
}

func newAdapter(cfg config.AdapterConfig, open usbgpio.OpenFunc, events chan<- usbgpio.LineEvent, dcfg config.DaemonConfig, logger *zap.Logger) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		line:   usbgpio.NewLine(cfg.Alias, open, events, dcfg.ReopenBackoffMin, dcfg.ReopenBackoffMax, logger),
		cache:  gpio.NewCache(cfg.Alias, cfg.DefaultBit),
		logger: logger.With(zap.String("alias", cfg.Alias)),
	}
	if cfg.Mode == config.ModeSpi {
		pins := make(map[int]spi.ChannelPins, len(cfg.SpiChannels))
		for _, ch := range cfg.SpiChannels {
			pins[ch.Num] = spi.ChannelPins{Clk: ch.Clk, Data: ch.Data, Cs: ch.Cs}
		}
		a.queue = spi.NewQueue(pins, cfg.LagTime())
	}
	return a
}

func (a *Adapter) Alias() string { return a.cfg.Alias }

func (a *Adapter) Mode() config.AdapterMode { return a.cfg.Mode }

// writeGpio pushes one bit through the cache and, when it actually changes
// the commanded state, onto the wire. The cache makes repeated identical
// writes free. Operands are validated before they can touch the cache.
func (a *Adapter) writeGpio(g, bit uint8) error {
	op := usbgpio.DiscreteSet{Pairs: []usbgpio.GpioBit{{Gpio: g, Bit: bit}}}
	if _, err := op.Encode(); err != nil {
		return err
	}
	if !a.cache.Apply(g, bit) {
		return nil
	}
	return a.line.Send(op)
}

// writeBatch diffs a batch against the cache and emits one physical command
// covering only the changed entries. An empty diff sends nothing.
func (a *Adapter) writeBatch(pairs []usbgpio.GpioBit) error {
	if _, err := (usbgpio.DiscreteSet{Pairs: pairs}).Encode(); err != nil {
		return err
	}
	changed := a.cache.DiffBatch(pairs)
	if len(changed) == 0 {
		return nil
	}
	return a.line.Send(usbgpio.DiscreteSet{Pairs: changed})
}

// resyncOutputs replays the commanded state after a reopen, so the hardware
// catches up with everything written while the line was down.
func (a *Adapter) resyncOutputs() error {
	snap := a.cache.Snapshot(false)
	if len(snap) == 0 {
		return nil
	}
	gpios := make([]uint8, 0, len(snap))
	for g := range snap {
		gpios = append(gpios, g)
	}
	sort.Slice(gpios, func(i, j int) bool { return gpios[i] < gpios[j] })
	pairs := make([]usbgpio.GpioBit, len(gpios))
	for i, g := range gpios {
		pairs[i] = usbgpio.GpioBit{Gpio: g, Bit: snap[g]}
	}
	return a.line.Send(usbgpio.DiscreteSet{Pairs: pairs})
}

// armStream switches an input-mode adapter into the continuous status
// stream. default_bit selects the drive level: idle-high lines use the
// drive-high variant so a drop to 0 is the signal, and vice versa.
func (a *Adapter) armStream() error {
	return a.line.Send(usbgpio.QueryAll{DriveHigh: a.cfg.DefaultBit == 1})
}

// nextDeadline folds this adapter's pending work into the loop's timer:
// reopen backoff, SPI transmission steps and delayed writes.
func (a *Adapter) nextDeadline(now time.Time) (time.Time, bool) {
	var deadline time.Time
	have := false
	merge := func(t time.Time) {
		if !have || t.Before(deadline) {
			deadline = t
			have = true
		}
	}
	if a.line.Degraded() && !a.line.ReopenAt().IsZero() {
		merge(a.line.ReopenAt())
	}
	if a.queue != nil {
		if t, ok := a.queue.NextDeadline(now); ok {
			merge(t)
		}
	}
	for _, dw := range a.delayed {
		merge(dw.at)
	}
	return deadline, have
}

// fireDelayed applies every due delayed write, dropping the ones a newer
// command superseded.
func (a *Adapter) fireDelayed(now time.Time) {
	remaining := a.delayed[:0]
	for _, dw := range a.delayed {
		if dw.at.After(now) {
			remaining = append(remaining, dw)
			continue
		}
		if a.cache.Commanded(dw.gpio) != dw.prevBit {
			a.logger.Debug("Delayed write superseded",
				zap.Uint8("gpio", dw.gpio),
				zap.Uint8("bit", dw.bit))
			continue
		}
		if err := a.writeGpio(dw.gpio, dw.bit); err != nil {
			a.logger.Warn("Delayed write failed", zap.Uint8("gpio", dw.gpio), zap.Error(err))
		}
	}
	a.delayed = remaining
}
