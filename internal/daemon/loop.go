package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lockerkit/gpiobridge/internal/config"
	"github.com/lockerkit/gpiobridge/internal/gpio"
	"github.com/lockerkit/gpiobridge/internal/spi"
	"github.com/lockerkit/gpiobridge/internal/types"
	"github.com/lockerkit/gpiobridge/internal/usbgpio"
	"go.uber.org/zap"
)

// Run is the event loop. It is the only goroutine that touches caches,
// queues, line state, the retention ring and subscriber cursors; everything
// else funnels in through channels. Blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	for _, alias := range d.order {
		a := d.adapters[alias]
		if err := a.line.Open(); err != nil {
			d.logger.Warn("Initial open failed, will retry",
				zap.String("alias", alias), zap.Error(err))
			continue
		}
		d.armAdapter(a)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.armTimer(timer)
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case ev := <-d.lineEvents:
			d.handleLineEvent(ev)
		case req := <-d.commands:
			d.handleCommand(req)
		case sub := <-d.register:
			d.subscribers[sub] = true
			// cursor starts at the current head; subscribe opts into backlog
			sub.lastAck = d.seq
			sub.lastHeard = time.Now()
			d.logger.Info("Status client connected", zap.String("client_id", sub.ID.String()))
		case sub := <-d.unregister:
			d.drop(sub)
		case req := <-d.requests:
			d.handleClient(req)
		case req := <-d.inspect:
			req.reply <- d.buildSnapshot()
		case now := <-timer.C:
			d.tick(now)
		}
	}
}

func (d *Daemon) shutdown() {
	close(d.done)
	for _, a := range d.adapters {
		a.line.Close()
	}
	for sub := range d.subscribers {
		d.drop(sub)
	}
}

// armAdapter runs right after a line opens: input adapters start their
// status stream so edge detection resumes against the default baseline,
// output adapters replay the commanded state the hardware missed.
func (d *Daemon) armAdapter(a *Adapter) {
	switch a.Mode() {
	case config.ModeGeter:
		if err := a.armStream(); err != nil {
			d.logger.Warn("Failed to arm status stream",
				zap.String("alias", a.Alias()), zap.Error(err))
		}
	default:
		if err := a.resyncOutputs(); err != nil {
			d.logger.Warn("Failed to resync outputs",
				zap.String("alias", a.Alias()), zap.Error(err))
		}
	}
}

// armTimer folds every pending deadline into one timer: SPI steps, delayed
// writes, reopen backoffs, retention expiry, resend sweeps.
func (d *Daemon) armTimer(timer *time.Timer) {
	now := time.Now()
	var deadline time.Time
	have := false
	merge := func(t time.Time) {
		if !have || t.Before(deadline) {
			deadline = t
			have = true
		}
	}
	for _, a := range d.adapters {
		if t, ok := a.nextDeadline(now); ok {
			merge(t)
		}
	}
	if t, ok := d.ring.nextExpiry(); ok {
		merge(t)
	}
	if len(d.subscribers) > 0 && len(d.ring.items) > 0 {
		if d.nextResend.IsZero() {
			d.nextResend = now.Add(d.cfg.ResendInterval)
		}
		merge(d.nextResend)
	}

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if have {
		timer.Reset(time.Until(deadline))
	} else {
		timer.Reset(time.Hour)
	}
}

// tick services every deadline that has come due.
func (d *Daemon) tick(now time.Time) {
	for _, alias := range d.order {
		a := d.adapters[alias]
		if a.line.Degraded() && !a.line.ReopenAt().IsZero() && !a.line.ReopenAt().After(now) {
			if err := a.line.Reopen(); err != nil {
				d.logger.Debug("Reopen failed", zap.String("alias", alias), zap.Error(err))
			} else {
				d.logger.Info("Line reopened", zap.String("alias", alias))
				d.armAdapter(a)
			}
		}
		a.fireDelayed(now)
		if a.queue != nil {
			if err := a.queue.Advance(now, a.writeGpio); err != nil {
				d.logger.Warn("SPI transmission aborted",
					zap.String("alias", alias), zap.Error(err))
			}
		}
	}
	d.ring.expire(now)
	if !d.nextResend.IsZero() && !d.nextResend.After(now) {
		d.resendSweep(now)
		d.nextResend = time.Time{}
	}
}

// resendSweep re-pushes unacked retained events and disconnects clients
// that stayed silent past the grace period with deliveries outstanding.
func (d *Daemon) resendSweep(now time.Time) {
	for sub := range d.subscribers {
		pending := d.ring.after(sub.lastAck)
		if len(pending) == 0 {
			continue
		}
		if now.Sub(sub.lastHeard) > d.cfg.ClientGrace {
			d.logger.Warn("Dropping silent status client",
				zap.String("client_id", sub.ID.String()),
				zap.Uint64("last_ack", sub.lastAck))
			d.drop(sub)
			continue
		}
		for _, rec := range pending {
			if sub.attempts[rec.id] >= d.cfg.ResendLimit {
				continue
			}
			sub.attempts[rec.id]++
			d.push(sub, rec.payload)
			if !d.subscribers[sub] {
				break
			}
		}
	}
}

func (d *Daemon) handleLineEvent(ev usbgpio.LineEvent) {
	a, ok := d.adapters[ev.Alias]
	if !ok {
		return
	}
	if ev.Err != nil {
		var terr *types.TransportError
		if errors.As(ev.Err, &terr) {
			d.logger.Error("Serial line degraded",
				zap.String("alias", ev.Alias), zap.Error(ev.Err))
			a.line.MarkDegraded()
		} else {
			d.logger.Warn("Serial line error", zap.String("alias", ev.Alias), zap.Error(ev.Err))
		}
		return
	}
	switch r := ev.Reply.(type) {
	case usbgpio.StatusLine:
		deltas := a.cache.Observe(r.Bits)
		if len(deltas) == 0 {
			return
		}
		d.emit(gpio.ChangeEvent{
			ID:         d.nextEventID(),
			Timestamp:  time.Now(),
			Alias:      ev.Alias,
			DefaultBit: a.cfg.DefaultBit,
			Deltas:     deltas,
		})
	case usbgpio.CounterReport:
		d.broadcastCounter(ev.Alias, r)
	case usbgpio.Ack:
		d.logger.Debug("Command acknowledged",
			zap.String("alias", ev.Alias),
			zap.Uint8("opcode", r.Opcode))
	case usbgpio.Malformed:
		perr := &types.ProtocolError{Alias: ev.Alias, Raw: r.Raw, Msg: "unrecognized reply"}
		d.logger.Warn("Resynchronized after garbage", zap.Error(perr))
	}
}

func (d *Daemon) broadcastCounter(alias string, r usbgpio.CounterReport) {
	payload, err := marshal(counterEnvelope{
		Type:      "counter_report",
		Timestamp: nowStamp(),
		Alias:     alias,
		Gpio:      r.Gpio,
		Count:     r.Count,
	})
	if err != nil {
		d.logger.Error("Failed to encode counter report", zap.Error(err))
		return
	}
	for sub := range d.subscribers {
		d.push(sub, payload)
	}
}

func (d *Daemon) handleCommand(req CommandRequest) {
	if err := d.dispatch(req.Cmd); err != nil && req.Reply != nil {
		req.Reply(errorResponse(err))
	}
}

func errorResponse(err error) types.ErrorResponse {
	var verr *types.ValidationError
	var terr *types.TransportError
	switch {
	case errors.Is(err, errUnknownAlias):
		return types.NewErrorResponse(types.CodeUnknownAlias, err.Error(), nil)
	case errors.As(err, &verr):
		return types.NewErrorResponse(types.CodeValidationError, verr.Error(), nil)
	case errors.As(err, &terr):
		return types.NewErrorResponse(types.CodeTransportError, terr.Error(), nil)
	default:
		return types.NewErrorResponse(types.CodeClientProtocolError, err.Error(), nil)
	}
}

var errUnknownAlias = errors.New("unknown alias")

func (d *Daemon) dispatch(cmd Command) error {
	a, ok := d.adapters[cmd.Alias]
	if !ok {
		d.logger.Warn("Command for unknown alias", zap.String("alias", cmd.Alias))
		return fmt.Errorf("%w: %q", errUnknownAlias, cmd.Alias)
	}
	switch cmd.Mode {
	case "set":
		return d.dispatchSet(a, cmd)
	case "spi":
		return d.dispatchSpi(a, []SpiItem{{SpiNum: cmd.SpiNum, SpiData: cmd.SpiData, SpiCs: cmd.SpiCs}})
	case "spi_multi":
		return d.dispatchSpi(a, cmd.Spis)
	case "pwm":
		if a.Mode() != config.ModeSeter {
			return &types.ValidationError{Field: "mode", Msg: "pwm requires an output adapter"}
		}
		return a.line.Send(usbgpio.PwmSet{Channel: cmd.Channel, FreqHz: cmd.Freq, Duty: cmd.Duty})
	case "counter":
		if a.Mode() != config.ModeGeter {
			return &types.ValidationError{Field: "mode", Msg: "counter requires an input adapter"}
		}
		if cmd.FilterMs > 255 {
			return &types.ValidationError{Field: "filter_ms", Msg: "filter must fit in one byte"}
		}
		return d.sendResumingStream(a, usbgpio.CounterConfig{
			Gpio:       derefGpio(cmd.Gpio),
			FilterMs:   uint8(cmd.FilterMs),
			Enable:     cmd.Enable,
			AutoReport: cmd.AutoReport,
		})
	case "counter_query":
		if a.Mode() != config.ModeGeter {
			return &types.ValidationError{Field: "mode", Msg: "counter_query requires an input adapter"}
		}
		switch cmd.Func {
		case "query", "clear":
		default:
			return &types.ValidationError{Field: "func", Msg: `must be "query" or "clear"`}
		}
		return d.sendResumingStream(a, usbgpio.CounterOp{Gpio: derefGpio(cmd.Gpio), Query: cmd.Func == "query"})
	default:
		return &types.ClientProtocolError{Msg: fmt.Sprintf("unknown mode %q", cmd.Mode)}
	}
}

// sendResumingStream issues a terminated command on an input adapter. The
// device cancels an active query-all stream on any command, so the stream is
// re-armed right behind it; the decoder sizes both replies from its queue.
func (d *Daemon) sendResumingStream(a *Adapter, op usbgpio.Op) error {
	streaming := a.line.Streaming()
	if err := a.line.Send(op); err != nil {
		return err
	}
	if streaming {
		if err := a.armStream(); err != nil {
			d.logger.Warn("Failed to re-arm status stream",
				zap.String("alias", a.Alias()), zap.Error(err))
		}
	}
	return nil
}

func (d *Daemon) dispatchSet(a *Adapter, cmd Command) error {
	if a.Mode() != config.ModeSeter {
		return &types.ValidationError{Field: "mode", Msg: "set requires an output adapter"}
	}
	if len(cmd.Gpios) > 0 {
		if len(cmd.Gpios) != len(cmd.Values) {
			return &types.ValidationError{Field: "values", Msg: "gpios and values must pair up"}
		}
		pairs := make([]usbgpio.GpioBit, len(cmd.Gpios))
		for i := range cmd.Gpios {
			pairs[i] = usbgpio.GpioBit{Gpio: cmd.Gpios[i], Bit: cmd.Values[i]}
		}
		return a.writeBatch(pairs)
	}
	if cmd.Gpio == nil || cmd.Value == nil {
		return &types.ValidationError{Field: "gpio", Msg: "set needs gpio and value"}
	}
	if cmd.DelayMs > 0 {
		if cmd.DelayMs > 0xFFFF {
			return &types.ValidationError{Field: "delay_ms", Msg: "delay must fit in 16 bits"}
		}
		// operands must be rejected now; there is no reply path at fire time
		op := usbgpio.DiscreteSet{Pairs: []usbgpio.GpioBit{{Gpio: *cmd.Gpio, Bit: *cmd.Value}}}
		if _, err := op.Encode(); err != nil {
			return err
		}
		a.delayed = append(a.delayed, delayedWrite{
			at:      time.Now().Add(time.Duration(cmd.DelayMs) * time.Millisecond),
			gpio:    *cmd.Gpio,
			bit:     *cmd.Value,
			prevBit: a.cache.Commanded(*cmd.Gpio),
		})
		return nil
	}
	return a.writeGpio(*cmd.Gpio, *cmd.Value)
}

func (d *Daemon) dispatchSpi(a *Adapter, items []SpiItem) error {
	if a.Mode() != config.ModeSpi || a.queue == nil {
		return &types.ValidationError{Field: "mode", Msg: "spi requires an spi adapter"}
	}
	frames := make([]spi.Frame, 0, len(items))
	for _, it := range items {
		f := spi.Frame{Channel: it.SpiNum, Bits: it.SpiData}
		switch it.SpiCs {
		case "down":
			f.Release = false
			f.Edge = spi.EdgeFalling
		case "up":
			f.Release = true
			f.Edge = spi.EdgeRising
		default:
			return &types.ValidationError{Field: "spi_data_cs_collection", Msg: `must be "down" or "up"`}
		}
		frames = append(frames, f)
	}
	return a.queue.EnqueueAll(frames)
}

// handleClient processes an upstream frame from a status client: acks move
// the cursor, queries answer from the cache, subscribes replay retention.
func (d *Daemon) handleClient(req clientRequest) {
	sub := req.sub
	if !d.subscribers[sub] {
		return
	}
	sub.lastHeard = time.Now()
	switch req.msg.Type {
	case "ack":
		if req.msg.ID == nil {
			return
		}
		if *req.msg.ID > sub.lastAck {
			sub.lastAck = *req.msg.ID
		}
		for id := range sub.attempts {
			if id <= sub.lastAck {
				delete(sub.attempts, id)
			}
		}
	case "query_status":
		payload, err := marshal(d.buildStatus())
		if err != nil {
			d.logger.Error("Failed to encode status", zap.Error(err))
			return
		}
		d.push(sub, payload)
	case "subscribe":
		if req.msg.LastAck != nil {
			sub.lastAck = *req.msg.LastAck
		}
		for _, rec := range d.ring.after(sub.lastAck) {
			d.push(sub, rec.payload)
			if !d.subscribers[sub] {
				return
			}
		}
	default:
		d.logger.Warn("Unknown client message type",
			zap.String("client_id", sub.ID.String()),
			zap.String("type", req.msg.Type))
	}
}

func derefGpio(g *uint8) uint8 {
	if g == nil {
		return 0
	}
	return *g
}
