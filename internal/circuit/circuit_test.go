package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfg() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		HalfOpenTimeout:  50 * time.Millisecond,
	}
}

func TestAllow_DisabledAlwaysOk(t *testing.T) {
	m := NewManager()
	ok, _ := m.Allow("s1", Config{Enabled: false})
	require.True(t, ok)
}

func TestClosed_SuccessResetsFailures(t *testing.T) {
	m := NewManager()
	c := cfg()
	m.Record("s1", c, false)
	m.Record("s1", c, true)
	snap := m.Snapshot("s1")
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.Failures)
}

func TestThresholdFailures_OpensCircuit(t *testing.T) {
	m := NewManager()
	c := cfg()
	m.Record("s1", c, false)
	m.Record("s1", c, false)
	snap := m.Snapshot("s1")
	assert.Equal(t, Open, snap.State)
}

func TestOpen_RejectsUntilTimeout_ThenHalfOpen(t *testing.T) {
	m := NewManager()
	c := cfg()
	m.Record("s1", c, false)
	m.Record("s1", c, false)

	ok, openUntil := m.Allow("s1", c)
	require.False(t, ok)
	require.True(t, openUntil.After(time.Now()))

	time.Sleep(60 * time.Millisecond)

	ok, _ = m.Allow("s1", c)
	require.True(t, ok)
	assert.Equal(t, HalfOpen, m.Snapshot("s1").State)
}

func TestHalfOpen_SuccessClosesCircuit(t *testing.T) {
	m := NewManager()
	c := cfg()
	m.Record("s1", c, false)
	m.Record("s1", c, false)
	time.Sleep(60 * time.Millisecond)
	m.Allow("s1", c) // transitions to HalfOpen
	m.Record("s1", c, true)
	assert.Equal(t, Closed, m.Snapshot("s1").State)
}

func TestHalfOpen_FailureReopens(t *testing.T) {
	m := NewManager()
	c := cfg()
	m.Record("s1", c, false)
	m.Record("s1", c, false)
	time.Sleep(60 * time.Millisecond)
	m.Allow("s1", c)
	m.Record("s1", c, false)
	assert.Equal(t, Open, m.Snapshot("s1").State)
}

func TestUnknownSource_DefaultsClosed(t *testing.T) {
	m := NewManager()
	snap := m.Snapshot("never-seen")
	assert.Equal(t, Closed, snap.State)
}

func TestReset_ClearsBreaker(t *testing.T) {
	m := NewManager()
	c := cfg()
	m.Record("s1", c, false)
	m.Record("s1", c, false)
	require.Equal(t, Open, m.Snapshot("s1").State)
	m.Reset("s1")
	assert.Equal(t, Closed, m.Snapshot("s1").State)
}
