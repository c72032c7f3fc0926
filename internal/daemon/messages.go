package daemon

import (
	"encoding/json"
	"time"

	"github.com/lockerkit/gpiobridge/internal/gpio"
)

// tsLayout is RFC3339 with millisecond precision, matching what the
// provisioning clients on the far side of the socket parse.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// Command is one datagram from the command socket, already decoded from
// JSON. Mode selects which field group is meaningful; dispatch validates the
// rest.
type Command struct {
	Alias string `json:"alias"`
	Mode  string `json:"mode"`

	Gpio    *uint8  `json:"gpio,omitempty"`
	Value   *uint8  `json:"value,omitempty"`
	Gpios   []uint8 `json:"gpios,omitempty"`
	Values  []uint8 `json:"values,omitempty"`
	DelayMs int     `json:"delay_ms,omitempty"`

	SpiNum  int       `json:"spi_num,omitempty"`
	SpiData string    `json:"spi_data,omitempty"`
	SpiCs   string    `json:"spi_data_cs_collection,omitempty"`
	Spis    []SpiItem `json:"spis,omitempty"`

	Channel uint8  `json:"channel,omitempty"`
	Freq    uint16 `json:"freq,omitempty"`
	Duty    uint8  `json:"duty,omitempty"`

	FilterMs   uint16 `json:"filter_ms,omitempty"`
	Enable     bool   `json:"enable,omitempty"`
	AutoReport bool   `json:"auto_report,omitempty"`
	Func       string `json:"func,omitempty"`
}

// SpiItem is one transaction inside a spi_multi batch.
type SpiItem struct {
	SpiNum  int    `json:"spi_num"`
	SpiData string `json:"spi_data"`
	SpiCs   string `json:"spi_data_cs_collection"`
}

// changeEnvelope is the gpio_change message pushed to status clients.
type changeEnvelope struct {
	Type      string        `json:"type"`
	ID        uint64        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Gpios     []changeGroup `json:"gpios"`
}

type changeGroup struct {
	Alias      string       `json:"alias"`
	DefaultBit uint8        `json:"default_bit"`
	ChangeGpio []gpio.Delta `json:"change_gpio"`
}

func newChangeEnvelope(ev gpio.ChangeEvent) changeEnvelope {
	return changeEnvelope{
		Type:      "gpio_change",
		ID:        ev.ID,
		Timestamp: ev.Timestamp.Format(tsLayout),
		Gpios: []changeGroup{{
			Alias:      ev.Alias,
			DefaultBit: ev.DefaultBit,
			ChangeGpio: ev.Deltas,
		}},
	}
}

// statusEnvelope answers query_status from the cache, one group per
// input-mode adapter.
type statusEnvelope struct {
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	Gpios     []statusGroup `json:"gpios"`
}

type statusGroup struct {
	Alias      string          `json:"alias"`
	DefaultBit uint8           `json:"default_bit"`
	States     map[uint8]uint8 `json:"current_gpio_states"`
}

// counterEnvelope carries a pulse-counter value, either queried or
// auto-reported by the hardware.
type counterEnvelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Alias     string `json:"alias"`
	Gpio      uint8  `json:"gpio"`
	Count     uint32 `json:"count"`
}

// ClientMsg is what status clients send upstream: acks, status queries and
// subscribe frames.
type ClientMsg struct {
	Type    string  `json:"type"`
	ID      *uint64 `json:"id,omitempty"`
	LastAck *uint64 `json:"last_ack,omitempty"`
}

func nowStamp() string { return time.Now().Format(tsLayout) }

func marshal(v any) ([]byte, error) { return json.Marshal(v) }
