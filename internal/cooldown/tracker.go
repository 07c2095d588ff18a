// Package cooldown tracks per-provider rate-limit state. A provider that
// signalled a rate limit is skipped by the failover loop until its
// cooldown window elapses.
package cooldown

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDuration is the cooldown window applied when none is configured.
const DefaultDuration = time.Hour

// Tracker holds the timestamp of the last rate-limit signal per provider.
// A provider with no entry is never in cooldown. Expiry is lazy: reads
// compare against the clock and never mutate stored state, so a stale
// entry simply reports clear until a new signal overwrites it.
//
// The tracker is shared by concurrent analysis calls and task
// goroutines, hence the mutex.
type Tracker struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	duration time.Duration
	signals  map[string]time.Time
}

// NewTracker creates a tracker with the given cooldown window.
// Non-positive durations fall back to DefaultDuration.
func NewTracker(duration time.Duration, logger *logrus.Logger) *Tracker {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Tracker{
		logger:   logger,
		duration: duration,
		signals:  make(map[string]time.Time),
	}
}

// RecordSignal stores the rate-limit timestamp for a provider. A later
// signal always overwrites an earlier one.
func (t *Tracker) RecordSignal(id string, at time.Time) {
	t.mu.Lock()
	t.signals[id] = at
	until := at.Add(t.duration)
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"provider":       id,
		"cooldown_until": until.Format(time.RFC3339),
	}).Warn("Provider entered rate-limit cooldown")
}

// IsCoolingDown reports whether the provider is inside its cooldown
// window. The window closes exactly when the configured duration has
// elapsed since the last signal.
func (t *Tracker) IsCoolingDown(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	at, ok := t.signals[id]
	if !ok {
		return false
	}
	return time.Since(at) < t.duration
}

// RemainingMinutes returns how many minutes of cooldown remain, rounded
// up so that a provider clearing in thirty seconds still reports one.
// Zero means the provider is clear.
func (t *Tracker) RemainingMinutes(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	at, ok := t.signals[id]
	if !ok {
		return 0
	}
	return remainingMinutes(t.duration, at)
}

// Clear forces a provider out of cooldown immediately. Operator escape
// hatch; normal expiry never needs it.
func (t *Tracker) Clear(id string) {
	t.mu.Lock()
	_, had := t.signals[id]
	delete(t.signals, id)
	t.mu.Unlock()

	if had {
		t.logger.WithField("provider", id).Info("Provider cooldown cleared")
	}
}

// Active returns remaining minutes per provider still cooling down.
func (t *Tracker) Active() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make(map[string]int)
	for id, at := range t.signals {
		if m := remainingMinutes(t.duration, at); m > 0 {
			active[id] = m
		}
	}
	return active
}

// Duration returns the configured cooldown window.
func (t *Tracker) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// SetDuration re-applies the cooldown window, used by config reload.
// Existing signals keep their timestamps and are re-judged against the
// new window on the next read.
func (t *Tracker) SetDuration(duration time.Duration) {
	if duration <= 0 {
		return
	}
	t.mu.Lock()
	t.duration = duration
	t.mu.Unlock()

	t.logger.WithField("cooldown", duration.String()).Info("Cooldown window updated")
}

func remainingMinutes(duration time.Duration, at time.Time) int {
	remaining := duration - time.Since(at)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Minutes()))
}
