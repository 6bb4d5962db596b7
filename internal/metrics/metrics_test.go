package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordRequestAccumulates(t *testing.T) {
	m := New()
	m.RecordRequest(5_000, false, true)
	m.RecordRequest(50_000, true, false)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Requests)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, uint64(1), snap.Forwards)
	assert.InDelta(t, 50.0, snap.ErrorRate, 0.001)
}

func TestObserverForwardsToMetrics(t *testing.T) {
	m := New()
	o := NewObserver(m)
	o.ObserveRequest(1_000, false, true)
	assert.Equal(t, uint64(1), m.Snapshot().Requests)
}
