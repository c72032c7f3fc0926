package daemon

import "time"

// retained is one serialized gpio_change held for replay.
type retained struct {
	id      uint64
	at      time.Time
	payload []byte
}

// retentionRing keeps the most recent change events, bounded by count and
// age, so reconnecting subscribers can catch up without a full resync.
// Owned by the event loop.
type retentionRing struct {
	max   int
	ttl   time.Duration
	items []retained
}

func newRetentionRing(max int, ttl time.Duration) *retentionRing {
	return &retentionRing{max: max, ttl: ttl}
}

func (r *retentionRing) add(rec retained) {
	r.items = append(r.items, rec)
	if len(r.items) > r.max {
		r.items = r.items[len(r.items)-r.max:]
	}
}

// expire drops entries older than the TTL. IDs only grow, so the slice stays
// sorted and a single cut suffices.
func (r *retentionRing) expire(now time.Time) {
	cutoff := now.Add(-r.ttl)
	i := 0
	for i < len(r.items) && r.items[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.items = r.items[i:]
	}
}

// after returns the retained events with id greater than last, oldest first.
func (r *retentionRing) after(last uint64) []retained {
	for i, rec := range r.items {
		if rec.id > last {
			return r.items[i:]
		}
	}
	return nil
}

// nextExpiry is the deadline at which the oldest entry ages out.
func (r *retentionRing) nextExpiry() (time.Time, bool) {
	if len(r.items) == 0 {
		return time.Time{}, false
	}
	return r.items[0].at.Add(r.ttl), true
}
