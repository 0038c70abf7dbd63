// Package liveness tracks device reachability from inbound traffic recency.
// State is purely in-memory: after a restart every device is offline until
// it next speaks.
package liveness

import (
	"sync"
	"time"
)

// DefaultWindow is how recently a device must have spoken to count as online.
const DefaultWindow = 5 * time.Minute

type Entry struct {
	LastSeen time.Time `json:"lastSeen"`
	Online   bool      `json:"online"`
}

type Tracker struct {
	mu           sync.RWMutex
	lastActivity map[string]time.Time
	window       time.Duration
	now          func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		lastActivity: make(map[string]time.Time),
		window:       DefaultWindow,
		now:          time.Now,
	}
}

// NewTrackerWithClock is for tests that need a deterministic clock.
func NewTrackerWithClock(window time.Duration, now func() time.Time) *Tracker {
	return &Tracker{
		lastActivity: make(map[string]time.Time),
		window:       window,
		now:          now,
	}
}

// RecordActivity marks the device as heard from now. Called on every inbound
// message regardless of kind.
func (t *Tracker) RecordActivity(deviceID string) {
	t.mu.Lock()
	t.lastActivity[deviceID] = t.now()
	t.mu.Unlock()
}

// IsOnline reports whether the device spoke strictly less than the window
// ago. At exactly the window boundary the device is offline.
func (t *Tracker) IsOnline(deviceID string) bool {
	t.mu.RLock()
	last, ok := t.lastActivity[deviceID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return t.now().Sub(last) < t.window
}

// LastSeen returns the most recent recorded activity, if any.
func (t *Tracker) LastSeen(deviceID string) (time.Time, bool) {
	t.mu.RLock()
	last, ok := t.lastActivity[deviceID]
	t.mu.RUnlock()
	return last, ok
}

func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	snap := make(map[string]Entry, len(t.lastActivity))
	for id, last := range t.lastActivity {
		snap[id] = Entry{
			LastSeen: last,
			Online:   now.Sub(last) < t.window,
		}
	}
	return snap
}

// ActiveCount returns how many devices are currently online.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	n := 0
	for _, last := range t.lastActivity {
		if now.Sub(last) < t.window {
			n++
		}
	}
	return n
}
