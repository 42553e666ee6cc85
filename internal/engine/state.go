package engine

import (
	"sync"
	"time"
)

// OrphanState holds the per-process miss-count and deletion-tombstone maps.
// It is an explicit, constructed, resettable component injected into the
// engine. Losing it on restart only delays orphan detection by one grace
// period; it never skips it.
type OrphanState struct {
	mu sync.Mutex

	// missCounts tracks consecutive cycles a document went unmatched while
	// eligible for the orphan sweep.
	missCounts map[string]int

	// tombstones suppress recreation of a just-deleted event id until TTL.
	tombstones map[string]time.Time

	ttl time.Duration
}

// NewOrphanState creates the state store with the given tombstone TTL.
func NewOrphanState(ttl time.Duration) *OrphanState {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &OrphanState{
		missCounts: make(map[string]int),
		tombstones: make(map[string]time.Time),
		ttl:        ttl,
	}
}

// Prune drops expired tombstones. Called at the start of every cycle.
func (s *OrphanState) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.tombstones {
		if now.Sub(at) > s.ttl {
			delete(s.tombstones, id)
		}
	}
}

// IncrementMiss bumps a document's consecutive miss count and returns the
// new value.
func (s *OrphanState) IncrementMiss(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missCounts[path]++
	return s.missCounts[path]
}

// MissCount returns the current count without changing it.
func (s *OrphanState) MissCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missCounts[path]
}

// ClearMiss removes a document's tracker entry; used both when a match
// resets the count and when an action (quarantine or delete) is taken.
func (s *OrphanState) ClearMiss(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missCounts, path)
}

// GC drops tracker entries for every path not in keep: documents neither
// orphaned nor matched this cycle no longer need a streak.
func (s *OrphanState) GC(keep map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.missCounts {
		if !keep[path] {
			delete(s.missCounts, path)
		}
	}
}

// RecordTombstone remembers that eventID was just removed.
func (s *OrphanState) RecordTombstone(eventID string, at time.Time) {
	if eventID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[eventID] = at
}

// TombstoneLive reports whether recreation of eventID is still suppressed.
func (s *OrphanState) TombstoneLive(eventID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.tombstones[eventID]
	if !ok {
		return false
	}
	return now.Sub(at) <= s.ttl
}
