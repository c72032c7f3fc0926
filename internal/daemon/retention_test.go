package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionCountBound(t *testing.T) {
	r := newRetentionRing(3, time.Hour)
	base := time.Unix(0, 0)
	for id := uint64(1); id <= 5; id++ {
		r.add(retained{id: id, at: base.Add(time.Duration(id) * time.Second)})
	}

	require.Len(t, r.items, 3)
	assert.Equal(t, uint64(3), r.items[0].id, "oldest entries evicted first")
	assert.Equal(t, uint64(5), r.items[2].id)
}

func TestRetentionExpiry(t *testing.T) {
	r := newRetentionRing(10, time.Minute)
	base := time.Unix(0, 0)
	r.add(retained{id: 1, at: base})
	r.add(retained{id: 2, at: base.Add(30 * time.Second)})
	r.add(retained{id: 3, at: base.Add(90 * time.Second)})

	r.expire(base.Add(91 * time.Second))
	require.Len(t, r.items, 2)
	assert.Equal(t, uint64(2), r.items[0].id)

	deadline, ok := r.nextExpiry()
	require.True(t, ok)
	assert.Equal(t, base.Add(30*time.Second).Add(time.Minute), deadline)
}

func TestRetentionAfter(t *testing.T) {
	r := newRetentionRing(10, time.Hour)
	base := time.Unix(0, 0)
	for id := uint64(1); id <= 4; id++ {
		r.add(retained{id: id, at: base})
	}

	assert.Len(t, r.after(0), 4)
	assert.Len(t, r.after(2), 2)
	assert.Equal(t, uint64(3), r.after(2)[0].id)
	assert.Empty(t, r.after(4))
	assert.Empty(t, r.after(99))
}
