// Package history keeps a bounded in-memory record of recent invocation
// attempts. Recording is decoupled from the request path through a
// buffered channel so a slow log sink never stalls an analysis call.
package history

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/routing"
)

// Config holds attempt history configuration.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxEntries    int           `yaml:"max_entries"`
}

// Recorder buffers attempt records and flushes them into a capped ring
// plus the structured log. Entries beyond MaxEntries evict the oldest.
type Recorder struct {
	logger        *logrus.Logger
	enabled       bool
	flushInterval time.Duration
	maxEntries    int

	buffer   chan routing.Attempt
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	entries  []routing.Attempt
	recorded int64
	dropped  int64
	stopped  bool
}

// NewRecorder creates a recorder. A disabled recorder accepts calls and
// discards them, so callers never need a nil check.
func NewRecorder(cfg Config, logger *logrus.Logger) *Recorder {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}

	r := &Recorder{
		logger:        logger,
		enabled:       cfg.Enabled,
		flushInterval: cfg.FlushInterval,
		maxEntries:    cfg.MaxEntries,
		buffer:        make(chan routing.Attempt, cfg.BufferSize),
		stopChan:      make(chan struct{}),
	}

	if cfg.Enabled {
		r.start()
	}

	return r
}

// RecordAttempt queues one attempt record. Never blocks: when the
// buffer is full the record is dropped and counted.
func (r *Recorder) RecordAttempt(a routing.Attempt) {
	r.mu.RLock()
	enabled := r.enabled
	stopped := r.stopped
	r.mu.RUnlock()

	if !enabled || stopped {
		return
	}

	select {
	case r.buffer <- a:
		r.mu.Lock()
		r.recorded++
		r.mu.Unlock()
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("History buffer full, dropping attempt record")
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns
// everything retained.
func (r *Recorder) Recent(limit int) []routing.Attempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]routing.Attempt, 0, limit)
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

// LastError returns the newest failed attempt, if any is retained.
func (r *Recorder) LastError() (routing.Attempt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.entries) - 1; i >= 0; i-- {
		if !r.entries[i].Success {
			return r.entries[i], true
		}
	}
	return routing.Attempt{}, false
}

// RecordedCount returns how many attempts were accepted into the buffer.
func (r *Recorder) RecordedCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recorded
}

// DroppedCount returns how many attempts were discarded on a full buffer.
func (r *Recorder) DroppedCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Stop shuts the processor down and drains everything still queued into
// the ring. Safe to call once; later calls are no-ops.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.enabled || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	close(r.buffer)

	for a := range r.buffer {
		r.commit([]routing.Attempt{a})
	}
}

func (r *Recorder) start() {
	r.wg.Add(1)
	go r.processor()
}

func (r *Recorder) processor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]routing.Attempt, 0, 100)

	for {
		select {
		case a := <-r.buffer:
			batch = append(batch, a)
			if len(batch) >= 100 {
				r.commit(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.commit(batch)
				batch = batch[:0]
			}

		case <-r.stopChan:
			if len(batch) > 0 {
				r.commit(batch)
			}
			return
		}
	}
}

func (r *Recorder) commit(batch []routing.Attempt) {
	r.mu.Lock()
	r.entries = append(r.entries, batch...)
	if overflow := len(r.entries) - r.maxEntries; overflow > 0 {
		r.entries = r.entries[overflow:]
	}
	r.mu.Unlock()

	for _, a := range batch {
		r.writeLog(a)
	}
}

func (r *Recorder) writeLog(a routing.Attempt) {
	entry := r.logger.WithFields(logrus.Fields{
		"history_event": true,
		"request_id":    a.RequestID,
		"session_id":    a.SessionID,
		"provider":      a.Provider,
		"task_kind":     a.TaskKind,
		"sequence":      a.Sequence,
		"success":       a.Success,
		"rate_limited":  a.RateLimited,
		"duration_ms":   a.DurationMs,
		"timestamp":     a.Timestamp,
	})

	switch {
	case a.RateLimited:
		entry.Warn("Attempt rate limited")
	case !a.Success:
		entry.Info("Attempt failed")
	default:
		entry.Debug("Attempt succeeded")
	}
}

var _ routing.AttemptSink = (*Recorder)(nil)
