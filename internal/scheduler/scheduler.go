// Package scheduler runs one cooperative poll loop per configured source,
// bounded by a global concurrency semaphore, grounded in style on the
// teacher's internal/ghostpool.PoolManager (buffered channel as a
// semaphore, a background goroutine per managed unit).
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/hooks"
	"github.com/ocx/helvault/internal/polltick"
	"github.com/ocx/helvault/internal/sink"
)

// sourceUnit bundles one source's immutable collaborators: its config, the
// auth provider it resolves credentials through, and an optional hook
// runtime.
type sourceUnit struct {
	id       string
	cfg      config.SourceConfig
	provider auth.Provider
	hookRT   *hooks.Runtime
}

// Scheduler owns the per-source poll loops and the global concurrency
// semaphore every tick (scheduled or admin-triggered) must acquire.
type Scheduler struct {
	runner       *polltick.Runner
	sink         sink.Sink
	skipBelow    *int
	sem          chan struct{}
	units        map[string]*sourceUnit
	drainTimeout time.Duration

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Scheduler for the given sources. maxConcurrent <= 0 means
// unbounded (a semaphore sized to the number of sources).
func New(runner *polltick.Runner, snk sink.Sink, global config.GlobalConfig, sources map[string]config.SourceConfig, providers map[string]auth.Provider, hookRuntimes map[string]*hooks.Runtime) *Scheduler {
	maxConcurrent := global.MaxConcurrentSources
	if maxConcurrent <= 0 {
		maxConcurrent = len(sources)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	units := make(map[string]*sourceUnit, len(sources))
	for id, cfg := range sources {
		units[id] = &sourceUnit{
			id:       id,
			cfg:      cfg,
			provider: providers[id],
			hookRT:   hookRuntimes[id],
		}
	}

	return &Scheduler{
		runner:       runner,
		sink:         snk,
		skipBelow:    global.LoadShedding.SkipPriorityBelow,
		sem:          make(chan struct{}, maxConcurrent),
		units:        units,
		drainTimeout: 30 * time.Second,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Run spawns one goroutine per source and blocks until ctx is cancelled, at
// which point it stops dispatching new ticks, waits up to the drain
// timeout for in-flight ticks, cancels anything still outstanding, and
// flushes the sink before returning.
func (s *Scheduler) Run(ctx context.Context) {
	for id, unit := range s.units {
		// Tick execution gets its own context, independent of ctx: shutdown
		// stops new ticks immediately but only force-cancels running ones
		// after the drain window (below).
		tickCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancels[id] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.loop(ctx, tickCtx, unit)
	}

	<-ctx.Done()
	s.shutdown()
}

func (s *Scheduler) loop(ctx, tickCtx context.Context, unit *sourceUnit) {
	defer s.wg.Done()
	for {
		interval := time.Duration(unit.cfg.Schedule.IntervalSecs) * time.Second
		jitter := jitterDuration(unit.cfg.Schedule.JitterSecs)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}

		if ctx.Err() != nil {
			return
		}
		if s.skipBelow != nil && unit.cfg.Priority < *s.skipBelow {
			continue
		}
		s.runOne(ctx, tickCtx, unit)
	}
}

func jitterDuration(jitterSecs int) time.Duration {
	if jitterSecs <= 0 {
		return 0
	}
	return time.Duration(rand.Intn(jitterSecs+1)) * time.Second
}

// runOne acquires the global semaphore, runs one tick, and logs (rather
// than propagates) any failure — a single source's error must never stop
// the scheduler loop. ctx gates semaphore acquisition (abandon if shutdown
// starts first); tickCtx is what the tick itself runs under.
func (s *Scheduler) runOne(ctx, tickCtx context.Context, unit *sourceUnit) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	if err := s.runner.Tick(tickCtx, unit.id, unit.cfg, unit.provider, unit.hookRT); err != nil {
		slog.Warn("poll tick failed", "source_id", unit.id, "error", err)
	}
}

// Trigger runs a single out-of-band tick for sourceID, competing for the
// same global semaphore and per-source single-flight marker as the
// scheduled loop (no bypass, per the recorded decision that admin-triggered
// polls are not a priority lane).
func (s *Scheduler) Trigger(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	unit, ok := s.units[sourceID]
	s.mu.Unlock()
	if !ok {
		return errUnknownSource(sourceID)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	return s.runner.Tick(ctx, unit.id, unit.cfg, unit.provider, unit.hookRT)
}

type errUnknownSource string

func (e errUnknownSource) Error() string { return "scheduler: unknown source " + string(e) }

func (s *Scheduler) shutdown() {
	s.stopOnce.Do(func() {
		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(s.drainTimeout):
			slog.Warn("scheduler: drain timeout exceeded, cancelling outstanding ticks")
			s.mu.Lock()
			for _, cancel := range s.cancels {
				cancel()
			}
			s.mu.Unlock()
			<-drained
		}

		if s.sink != nil {
			if err := s.sink.Flush(); err != nil {
				slog.Warn("scheduler: final sink flush failed", "error", err)
			}
		}
	})
}
