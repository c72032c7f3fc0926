package usbgpio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario scripts the input side of a loopback port: status lines emitted
// after the adapter is switched into streaming mode. Used by --simulate and
// the tests.
type Scenario struct {
	Steps []ScenarioStep `yaml:"steps"`
}

type ScenarioStep struct {
	After time.Duration `yaml:"after"`
	Line  string        `yaml:"line"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	return &s, nil
}

// Loopback replaces the physical port in --simulate mode. Every encoded
// command gets a plausible acknowledgement; a query-all command starts
// scenario playback so the change-detection pipeline can be exercised
// without hardware.
type Loopback struct {
	rd *io.PipeReader
	wr *io.PipeWriter

	out    chan []byte
	closed chan struct{}

	mu       sync.Mutex
	gpio     map[uint8]uint8
	counters map[uint8]uint32

	scenario  *Scenario
	playOnce  sync.Once
	closeOnce sync.Once
}

func NewLoopback(scenario *Scenario) *Loopback {
	rd, wr := io.Pipe()
	lb := &Loopback{
		rd:       rd,
		wr:       wr,
		out:      make(chan []byte, 256),
		closed:   make(chan struct{}),
		gpio:     make(map[uint8]uint8),
		counters: make(map[uint8]uint32),
		scenario: scenario,
	}
	go lb.emitLoop()
	return lb
}

func (lb *Loopback) Read(b []byte) (int, error) { return lb.rd.Read(b) }

func (lb *Loopback) Flush() error { return nil }

func (lb *Loopback) Close() error {
	lb.closeOnce.Do(func() {
		close(lb.closed)
		lb.wr.Close()
		lb.rd.Close()
	})
	return nil
}

// Write accepts one command frame and queues the manufactured reply.
func (lb *Loopback) Write(frame []byte) (int, error) {
	select {
	case <-lb.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if len(frame) == 0 {
		return 0, nil
	}
	opcode, operands := frame[0], frame[1:]
	switch opcode {
	case OpDiscreteSet:
		lb.mu.Lock()
		for i := 0; i+1 < len(operands); i += 2 {
			lb.gpio[operands[i]] = operands[i+1]
		}
		lb.mu.Unlock()
		lb.echo(opcode, operands)
	case OpContiguousSet:
		lb.mu.Lock()
		for i, bit := range operands {
			lb.gpio[uint8(i+1)] = bit
		}
		lb.mu.Unlock()
		lb.echo(opcode, operands)
	case OpQueryOne:
		if len(operands) == 1 {
			lb.mu.Lock()
			bit := lb.gpio[operands[0]]
			lb.mu.Unlock()
			lb.echo(opcode, []byte{operands[0], bit})
		}
	case OpQueryAllHigh, OpQueryAllLow:
		idle := byte(1)
		if opcode == OpQueryAllLow {
			idle = 0
		}
		lb.mu.Lock()
		for g := uint8(1); g <= MaxGpio; g++ {
			if _, ok := lb.gpio[g]; !ok {
				lb.gpio[g] = idle
			}
		}
		lb.mu.Unlock()
		lb.startPlayback()
	case OpCounterQuery:
		if len(operands) == 2 {
			lb.mu.Lock()
			count := lb.counters[operands[0]]
			if operands[1] == 0 {
				lb.counters[operands[0]] = 0
			}
			lb.mu.Unlock()
			reply := []byte{operands[0], byte(count >> 24), byte(count >> 16), byte(count >> 8), byte(count)}
			lb.echo(opcode, reply)
		}
	default:
		// delayed set, pwm, ranged query, counter config: echo verbatim
		lb.echo(opcode, operands)
	}
	return len(frame), nil
}

func (lb *Loopback) echo(opcode byte, operands []byte) {
	reply := make([]byte, 0, 1+len(operands))
	reply = append(reply, AckOpcode(opcode))
	reply = append(reply, operands...)
	lb.send(reply)
}

func (lb *Loopback) send(b []byte) {
	select {
	case lb.out <- b:
	case <-lb.closed:
	}
}

func (lb *Loopback) emitLoop() {
	for {
		select {
		case b := <-lb.out:
			if _, err := lb.wr.Write(b); err != nil {
				return
			}
		case <-lb.closed:
			return
		}
	}
}

func (lb *Loopback) startPlayback() {
	if lb.scenario == nil || len(lb.scenario.Steps) == 0 {
		return
	}
	lb.playOnce.Do(func() {
		go func() {
			for _, step := range lb.scenario.Steps {
				select {
				case <-time.After(step.After):
				case <-lb.closed:
					return
				}
				lb.send([]byte(step.Line + "\n"))
			}
		}()
	})
}
