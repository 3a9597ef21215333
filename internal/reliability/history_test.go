package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistory_RingEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.Add(ErrorRecord{ID: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Minute), Category: CategoryNetwork, Severity: SeverityMedium})
	}

	var ids []string
	for _, r := range h.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "d", "e"}, ids)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, map[string]int{"network/medium": 5}, h.Counters(), "counters outlive eviction")

	since := h.Since(base.Add(3 * time.Minute))
	assert.Len(t, since, 2)
}

func TestHistory_RestoreTrimsToCapacity(t *testing.T) {
	h := NewHistory(2)
	h.restore([]ErrorRecord{{ID: "1"}, {ID: "2"}, {ID: "3"}}, map[string]int{"system/low": 3})

	recs := h.Records()
	assert.Len(t, recs, 2)
	assert.Equal(t, "2", recs[0].ID)
	assert.Equal(t, "3", recs[1].ID)
}
