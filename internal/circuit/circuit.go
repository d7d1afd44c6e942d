// Package circuit implements the per-source failure-gating state machine
// from SPEC_FULL.md §4.C, ported from original_source/src/circuit.rs and
// restructured in the style of the teacher's internal/circuitbreaker
// (a Manager holding one breaker per key, mutex-guarded, short critical
// sections with no I/O under the lock).
package circuit

import (
	"sync"
	"time"
)

// State is one of Closed, Open, or HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config bundles the tunables for one breaker.
type Config struct {
	Enabled             bool
	FailureThreshold    int
	SuccessThreshold    int
	HalfOpenTimeout     time.Duration
}

// Snapshot is a point-in-time read of a breaker's internal state, used by
// the admin/health server.
type Snapshot struct {
	State      State
	Failures   int
	Successes  int
	OpenUntil  time.Time
}

type breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// Manager owns one breaker per source id.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewManager returns an empty breaker manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*breaker)}
}

func (m *Manager) get(sourceID string, cfg Config) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[sourceID]
	if !ok {
		b = &breaker{cfg: cfg, state: Closed}
		m.breakers[sourceID] = b
	} else {
		b.mu.Lock()
		b.cfg = cfg
		b.mu.Unlock()
	}
	return b
}

// Allow reports whether a request may proceed for sourceID. When the
// breaker is disabled it always allows. An Open breaker whose timeout has
// elapsed transitions to HalfOpen; a HalfOpen breaker admits every call
// until Record closes or reopens it.
func (m *Manager) Allow(sourceID string, cfg Config) (ok bool, openUntil time.Time) {
	b := m.get(sourceID, cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !cfg.Enabled {
		return true, time.Time{}
	}
	switch b.state {
	case Closed, HalfOpen:
		return true, time.Time{}
	case Open:
		if !time.Now().Before(b.openUntil) {
			b.state = HalfOpen
			b.successes = 0
			return true, time.Time{}
		}
		return false, b.openUntil
	default:
		return true, time.Time{}
	}
}

// Record reports the outcome of a request that Allow previously admitted.
func (m *Manager) Record(sourceID string, cfg Config, success bool) {
	b := m.get(sourceID, cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !cfg.Enabled {
		return
	}
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= cfg.FailureThreshold {
			b.state = Open
			b.openUntil = time.Now().Add(cfg.HalfOpenTimeout)
			b.failures = 0
		}
	case HalfOpen:
		if success {
			b.successes++
			if b.successes >= cfg.SuccessThreshold {
				b.state = Closed
				b.successes = 0
				b.failures = 0
			}
			return
		}
		b.state = Open
		b.openUntil = time.Now().Add(cfg.HalfOpenTimeout)
		b.successes = 0
	case Open:
		// Record is only called after Allow returned ok; a concurrent
		// Record racing an Open state is a no-op, matching spec §4.C.
	}
}

// Snapshot returns the current state for sourceID, or a zero Closed
// snapshot if the source has never been recorded.
func (m *Manager) Snapshot(sourceID string) Snapshot {
	m.mu.Lock()
	b, ok := m.breakers[sourceID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{State: Closed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		OpenUntil: b.openUntil,
	}
}

// Reset clears a source's breaker back to Closed{0}, used by the admin
// reload path when restart_sources_on_sighup is set.
func (m *Manager) Reset(sourceID string) {
	m.mu.Lock()
	delete(m.breakers, sourceID)
	m.mu.Unlock()
}
