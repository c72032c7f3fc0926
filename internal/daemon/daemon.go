package daemon

import (
	"time"

	"github.com/google/uuid"
	"github.com/lockerkit/gpiobridge/internal/config"
	"github.com/lockerkit/gpiobridge/internal/gpio"
	"github.com/lockerkit/gpiobridge/internal/types"
	"github.com/lockerkit/gpiobridge/internal/usbgpio"
	"go.uber.org/zap"
)

// CommandRequest pairs a decoded command with a way to reject it. Reply is
// nil when the sender socket is unbound and cannot receive anything.
type CommandRequest struct {
	Cmd   Command
	Reply func(resp types.ErrorResponse)
}

// Subscriber is one status-socket client. The event loop owns cursor,
// attempts and lastHeard; the IPC layer only drains send.
type Subscriber struct {
	ID   uuid.UUID
	send chan []byte

	lastAck   uint64
	lastHeard time.Time
	attempts  map[uint64]int
}

// Send is the delivery channel the connection writer drains.
func (s *Subscriber) Send() <-chan []byte { return s.send }

// clientRequest is an upstream message from a status client.
type clientRequest struct {
	sub *Subscriber
	msg ClientMsg
}

// AdapterStatus is a point-in-time view of one adapter for the debug API.
type AdapterStatus struct {
	Alias      string          `json:"alias"`
	Mode       string          `json:"mode"`
	Degraded   bool            `json:"degraded"`
	Streaming  bool            `json:"streaming"`
	SpiPending bool            `json:"spi_pending"`
	Commanded  map[uint8]uint8 `json:"commanded"`
	Observed   map[uint8]uint8 `json:"observed"`
}

// Snapshot is the answer to an inspect request.
type Snapshot struct {
	Timestamp   string          `json:"timestamp"`
	LastEventID uint64          `json:"last_event_id"`
	Subscribers int             `json:"subscribers"`
	Retained    int             `json:"retained"`
	Adapters    []AdapterStatus `json:"adapters"`
}

type inspectRequest struct {
	reply chan Snapshot
}

// Daemon owns every adapter and all client bookkeeping. A single Run
// goroutine touches the mutable state; IPC and API layers talk to it through
// the channels below.
type Daemon struct {
	cfg      config.DaemonConfig
	adapters map[string]*Adapter
	order    []string

	lineEvents chan usbgpio.LineEvent
	commands   chan CommandRequest
	register   chan *Subscriber
	unregister chan *Subscriber
	requests   chan clientRequest
	inspect    chan inspectRequest
	done       chan struct{}

	subscribers map[*Subscriber]bool
	ring        *retentionRing
	seq         uint64
	nextResend  time.Time

	// mirror, when set, receives every serialized gpio_change for the
	// websocket debug surface.
	mirror func([]byte)

	logger *zap.Logger
}

// New wires up the adapters without opening anything. openFor supplies the
// serial open function per adapter so simulation can substitute loopbacks.
func New(cfg *config.Config, openFor func(config.AdapterConfig) usbgpio.OpenFunc, logger *zap.Logger) *Daemon {
	d := &Daemon{
		cfg:         cfg.Daemon,
		adapters:    make(map[string]*Adapter, len(cfg.Adapters)),
		lineEvents:  make(chan usbgpio.LineEvent, 256),
		commands:    make(chan CommandRequest, 64),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		requests:    make(chan clientRequest, 64),
		inspect:     make(chan inspectRequest),
		done:        make(chan struct{}),
		subscribers: make(map[*Subscriber]bool),
		ring:        newRetentionRing(cfg.Daemon.RetentionCount, cfg.Daemon.RetentionTTL),
		logger:      logger,
	}
	for _, ac := range cfg.Adapters {
		d.adapters[ac.Alias] = newAdapter(ac, openFor(ac), d.lineEvents, cfg.Daemon, logger)
		d.order = append(d.order, ac.Alias)
	}
	return d
}

// SetMirror installs a fan-out hook for serialized change events. Must be
// called before Run.
func (d *Daemon) SetMirror(fn func([]byte)) { d.mirror = fn }

// Submit hands a command to the event loop. A full queue drops the datagram
// with a transport rejection rather than blocking the reader.
func (d *Daemon) Submit(req CommandRequest) {
	select {
	case d.commands <- req:
	default:
		if req.Reply != nil {
			req.Reply(types.NewErrorResponse(types.CodeTransportError, "command queue full", nil))
		}
	}
}

// Register creates a subscriber and announces it to the loop.
func (d *Daemon) Register() *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		send:     make(chan []byte, 64),
		attempts: make(map[uint64]int),
	}
	select {
	case d.register <- sub:
	case <-d.done:
		close(sub.send)
	}
	return sub
}

// Unregister detaches a subscriber; its send channel is closed by the loop.
func (d *Daemon) Unregister(sub *Subscriber) {
	select {
	case d.unregister <- sub:
	case <-d.done:
	}
}

// ClientMessage forwards an upstream frame from a status client.
func (d *Daemon) ClientMessage(sub *Subscriber, msg ClientMsg) {
	select {
	case d.requests <- clientRequest{sub: sub, msg: msg}:
	case <-d.done:
	}
}

// Inspect asks the loop for a consistent snapshot.
func (d *Daemon) Inspect() (Snapshot, bool) {
	req := inspectRequest{reply: make(chan Snapshot, 1)}
	select {
	case d.inspect <- req:
	case <-d.done:
		return Snapshot{}, false
	}
	select {
	case snap := <-req.reply:
		return snap, true
	case <-d.done:
		return Snapshot{}, false
	}
}

func (d *Daemon) adapter(alias string) (*Adapter, bool) {
	a, ok := d.adapters[alias]
	return a, ok
}

func (d *Daemon) buildStatus() statusEnvelope {
	env := statusEnvelope{Type: "current_status", Timestamp: nowStamp()}
	for _, alias := range d.order {
		a := d.adapters[alias]
		if a.Mode() != config.ModeGeter {
			continue
		}
		env.Gpios = append(env.Gpios, statusGroup{
			Alias:      alias,
			DefaultBit: a.cfg.DefaultBit,
			States:     a.cache.Snapshot(true),
		})
	}
	return env
}

func (d *Daemon) buildSnapshot() Snapshot {
	snap := Snapshot{
		Timestamp:   nowStamp(),
		LastEventID: d.seq,
		Subscribers: len(d.subscribers),
		Retained:    len(d.ring.items),
	}
	for _, alias := range d.order {
		a := d.adapters[alias]
		st := AdapterStatus{
			Alias:     alias,
			Mode:      string(a.Mode()),
			Degraded:  a.line.Degraded(),
			Streaming: a.line.Streaming(),
			Commanded: a.cache.Snapshot(false),
			Observed:  a.cache.Snapshot(true),
		}
		if a.queue != nil {
			st.SpiPending = a.queue.Pending()
		}
		snap.Adapters = append(snap.Adapters, st)
	}
	return snap
}

func (d *Daemon) nextEventID() uint64 {
	d.seq++
	return d.seq
}

// emit serializes a change event, retains it and pushes it to every
// subscriber. A subscriber with a full buffer is dropped, hub-style.
func (d *Daemon) emit(ev gpio.ChangeEvent) {
	payload, err := marshal(newChangeEnvelope(ev))
	if err != nil {
		d.logger.Error("Failed to encode change event", zap.Error(err))
		return
	}
	d.ring.add(retained{id: ev.ID, at: ev.Timestamp, payload: payload})
	for sub := range d.subscribers {
		d.push(sub, payload)
	}
	if d.mirror != nil {
		d.mirror(payload)
	}
}

func (d *Daemon) push(sub *Subscriber, payload []byte) {
	select {
	case sub.send <- payload:
	default:
		d.logger.Warn("Subscriber buffer full, dropping client",
			zap.String("client_id", sub.ID.String()))
		d.drop(sub)
	}
}

func (d *Daemon) drop(sub *Subscriber) {
	if d.subscribers[sub] {
		delete(d.subscribers, sub)
		close(sub.send)
	}
}
