package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTick_IncrementsCounterAndObservesDuration(t *testing.T) {
	m := New()
	m.RecordTick("src-1", "success", 0.25)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TickTotal.WithLabelValues("src-1", "success")))
}

func TestRecordRetry_LabelsByStatusClass(t *testing.T) {
	m := New()
	m.RecordRetry("src-1", "5xx")
	m.RecordRetry("src-1", "5xx")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RetryTotal.WithLabelValues("src-1", "5xx")))
}

func TestSetCircuitState_ReflectsLatestValue(t *testing.T) {
	m := New()
	m.SetCircuitState("src-1", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CircuitState.WithLabelValues("src-1")))
}

func TestRecordDroppedEvent_LabelsByReason(t *testing.T) {
	m := New()
	m.RecordDroppedEvent("max_queue_age")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DroppedEvents.WithLabelValues("max_queue_age")))
}

func TestRecordDedupeHitAndEventEmitted_CountSeparately(t *testing.T) {
	m := New()
	m.RecordDedupeHit("src-1")
	m.RecordEventEmitted("src-1")
	m.RecordEventEmitted("src-1")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DedupeHits.WithLabelValues("src-1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsEmitted.WithLabelValues("src-1")))
}
