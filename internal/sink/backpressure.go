package sink

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/herrors"
)

// overflow strategies, per §4.J / global.backpressure.strategy.
const (
	StrategyBlock      = "block"
	StrategyDrop       = "drop"
	StrategyDiskBuffer = "disk_buffer"
)

// drop policies, per global.backpressure.drop_policy.
const (
	DropOldestFirst = "oldest_first"
	DropNewestFirst = "newest_first"
	DropRandom      = "random"
)

type queuedLine struct {
	sourceID string
	line     []byte
	queuedAt time.Time
}

// Backpressure bounds an underlying Sink behind a fixed-size queue drained by
// a single writer goroutine, so a slow downstream (file/pubsub) cannot block
// every source's poll tick. When the queue fills, Strategy decides what
// happens next: Block waits for room, Drop discards per DropPolicy, and
// DiskBuffer spills overflow to disk. Spilled lines are not read back or
// forwarded to the underlying sink by this package.
type Backpressure struct {
	underlying Sink
	cfg        config.BackpressureConfig

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queuedLine
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	spool *diskSpool

	droppedTotal int64
}

// NewBackpressure starts the drain goroutine and returns the wrapper. Call
// Close to stop the drain loop and flush pending lines.
func NewBackpressure(underlying Sink, cfg config.BackpressureConfig) (*Backpressure, error) {
	size := cfg.Detection.EventQueueSize
	if size <= 0 {
		size = 1000
	}
	b := &Backpressure{
		underlying: underlying,
		cfg:        cfg,
		queue:      make([]queuedLine, 0, size),
		closeCh:    make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	if cfg.Strategy == StrategyDiskBuffer && cfg.DiskBuffer != nil {
		spool, err := newDiskSpool(cfg.DiskBuffer.Path, cfg.DiskBuffer.MaxSizeMB, cfg.DiskBuffer.SegmentSizeMB)
		if err != nil {
			return nil, err
		}
		b.spool = spool
	}

	b.wg.Add(1)
	go b.drainLoop()

	if cfg.MaxQueueAgeSecs > 0 {
		b.wg.Add(1)
		go b.ageEvictionLoop(time.Duration(cfg.MaxQueueAgeSecs) * time.Second)
	}

	return b, nil
}

func (b *Backpressure) capacity() int {
	size := b.cfg.Detection.EventQueueSize
	if size <= 0 {
		return 1000
	}
	return size
}

func (b *Backpressure) WriteLine(sourceID string, line []byte) error {
	cp := make([]byte, len(line))
	copy(cp, line)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("backpressure sink: closed")}
	}

	for len(b.queue) >= b.capacity() {
		switch b.cfg.Strategy {
		case StrategyDrop:
			b.dropLocked()
			b.queue = append(b.queue, queuedLine{sourceID: sourceID, line: cp, queuedAt: time.Now()})
			b.cond.Signal()
			return nil
		case StrategyDiskBuffer:
			if b.spool != nil {
				if err := b.spool.write(sourceID, cp); err != nil {
					slog.Error("backpressure: disk spool write failed", "error", err)
				}
				return nil
			}
			b.dropLocked()
		default: // StrategyBlock
			b.cond.Wait()
			if b.closed {
				return &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("backpressure sink: closed while blocked")}
			}
		}
	}

	b.queue = append(b.queue, queuedLine{sourceID: sourceID, line: cp, queuedAt: time.Now()})
	b.cond.Signal()
	return nil
}

// dropLocked removes one queued line per DropPolicy. Caller holds b.mu.
func (b *Backpressure) dropLocked() {
	if len(b.queue) == 0 {
		return
	}
	var idx int
	switch b.cfg.DropPolicy {
	case DropNewestFirst:
		idx = len(b.queue) - 1
	case DropRandom:
		idx = rand.Intn(len(b.queue))
	default: // oldest_first
		idx = 0
	}
	b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
	b.droppedTotal++
}

func (b *Backpressure) ageEvictionLoop(maxAge time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			b.evictOlderThan(maxAge)
		}
	}
}

func (b *Backpressure) evictOlderThan(maxAge time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	kept := b.queue[:0]
	evicted := 0
	for _, q := range b.queue {
		if q.queuedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, q)
	}
	b.queue = kept
	if evicted > 0 {
		b.droppedTotal += int64(evicted)
		slog.Warn("backpressure: evicted aged events", "count", evicted, "dropped_reason", "max_queue_age")
		b.cond.Broadcast()
	}
}

func (b *Backpressure) drainLoop() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.cond.Signal() // wake any blocked writer
		b.mu.Unlock()

		if err := b.underlying.WriteLine(next.sourceID, next.line); err != nil {
			slog.Error("backpressure: downstream write failed", "source_id", next.sourceID, "error", err)
		}
	}
}

// Flush blocks until the in-memory queue is empty, then flushes the
// underlying sink. Lines in the disk spool are not waited for.
func (b *Backpressure) Flush() error {
	for {
		b.mu.Lock()
		empty := len(b.queue) == 0
		b.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return b.underlying.Flush()
}

func (b *Backpressure) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	close(b.closeCh)
	b.wg.Wait()
	if b.spool != nil {
		b.spool.close()
	}
	return b.underlying.Close()
}

// diskSpool appends overflow lines to a capped, segmented file set under
// DiskBufferConfig.Path, rotating to ".old" when a segment exceeds
// SegmentSizeMB and discarding the oldest segment once MaxSizeMB is reached.
type diskSpool struct {
	mu          sync.Mutex
	dir         string
	segmentMax  int64
	totalMax    int64
	f           *os.File
	segmentSize int64
}

func newDiskSpool(dir string, maxSizeMB, segmentSizeMB int) (*diskSpool, error) {
	if dir == "" {
		return nil, &herrors.SinkError{Fatal: true, Cause: fmt.Errorf("disk_buffer.path is required")}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &herrors.SinkError{Fatal: true, Cause: err}
	}
	if segmentSizeMB <= 0 {
		segmentSizeMB = 64
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 512
	}
	path := filepath.Join(dir, "spool.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &herrors.SinkError{Fatal: true, Cause: err}
	}
	info, _ := f.Stat()
	return &diskSpool{
		dir:         dir,
		segmentMax:  int64(segmentSizeMB) * 1024 * 1024,
		totalMax:    int64(maxSizeMB) * 1024 * 1024,
		f:           f,
		segmentSize: info.Size(),
	}, nil
}

func (s *diskSpool) write(sourceID string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.segmentSize >= s.segmentMax {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	record := append([]byte(sourceID+"\t"), line...)
	record = append(record, '\n')
	n, err := s.f.Write(record)
	if err != nil {
		return &herrors.SinkError{Cause: err}
	}
	s.segmentSize += int64(n)
	s.enforceTotalCapLocked()
	return nil
}

func (s *diskSpool) rotate() error {
	if err := s.f.Close(); err != nil {
		return &herrors.SinkError{Cause: err}
	}
	path := filepath.Join(s.dir, "spool.ndjson")
	rotated := path + "." + time.Now().Format("2006-01-02T15-04-05") + ".old"
	if err := os.Rename(path, rotated); err != nil {
		return &herrors.SinkError{Cause: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &herrors.SinkError{Fatal: true, Cause: err}
	}
	s.f = f
	s.segmentSize = 0
	return nil
}

// enforceTotalCapLocked deletes the oldest ".old" segments once the spool
// directory exceeds totalMax. Caller holds s.mu.
func (s *diskSpool) enforceTotalCapLocked() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var total int64
	var olds []os.DirEntry
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		if filepath.Ext(e.Name()) == ".old" {
			olds = append(olds, e)
		}
	}
	for total > s.totalMax && len(olds) > 0 {
		victim := olds[0]
		olds = olds[1:]
		info, err := victim.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, victim.Name())); err == nil {
			total -= info.Size()
		}
	}
}

func (s *diskSpool) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Close()
}
