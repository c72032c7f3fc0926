package gpio

import (
	"github.com/lockerkit/gpiobridge/internal/usbgpio"
)

// Cache holds the last-known bit values of one adapter's GPIO lines. The
// commanded side suppresses redundant output writes; the observed side
// detects input changes. Only the event loop mutates a Cache; IPC handlers
// read snapshots.
type Cache struct {
	alias      string
	defaultBit uint8
	commanded  map[uint8]uint8
	observed   map[uint8]uint8
}

func NewCache(alias string, defaultBit uint8) *Cache {
	return &Cache{
		alias:      alias,
		defaultBit: defaultBit,
		commanded:  make(map[uint8]uint8),
		observed:   make(map[uint8]uint8),
	}
}

func (c *Cache) Alias() string { return c.alias }

func (c *Cache) DefaultBit() uint8 { return c.defaultBit }

// Apply records an intended output write. It reports false when the commanded
// bit is already cached, in which case no physical command may be sent.
func (c *Cache) Apply(gpio, bit uint8) bool {
	if cur, ok := c.commanded[gpio]; ok && cur == bit {
		return false
	}
	c.commanded[gpio] = bit
	return true
}

// DiffBatch filters a batch write down to the pairs that actually change the
// commanded state, updating the cache for those. The returned slice preserves
// input order; an empty result means no command goes on the wire.
func (c *Cache) DiffBatch(pairs []usbgpio.GpioBit) []usbgpio.GpioBit {
	var changed []usbgpio.GpioBit
	for _, p := range pairs {
		if c.Apply(p.Gpio, p.Bit) {
			changed = append(changed, p)
		}
	}
	return changed
}

// Commanded returns the cached commanded bit, falling back to the default.
func (c *Cache) Commanded(gpio uint8) uint8 {
	if bit, ok := c.commanded[gpio]; ok {
		return bit
	}
	return c.defaultBit
}

// Observe folds one read cycle into the observed state. Every difference
// from the last observed value yields one delta, in the order the adapter
// reported the bits; simultaneous flips coalesce into the one returned slice.
func (c *Cache) Observe(bits []usbgpio.GpioBit) []Delta {
	var deltas []Delta
	for _, b := range bits {
		last, seen := c.observed[b.Gpio]
		if !seen {
			// first report seeds the baseline against the configured idle level
			last = c.defaultBit
		}
		if last != b.Bit {
			deltas = append(deltas, Delta{Gpio: b.Gpio, Bit: b.Bit})
		}
		c.observed[b.Gpio] = b.Bit
	}
	return deltas
}

// Snapshot copies the current observed state (for input-mode adapters) or
// commanded state (output mode), one entry per known GPIO.
func (c *Cache) Snapshot(observed bool) map[uint8]uint8 {
	src := c.commanded
	if observed {
		src = c.observed
	}
	out := make(map[uint8]uint8, len(src))
	for g, b := range src {
		out[g] = b
	}
	return out
}
