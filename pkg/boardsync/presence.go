package boardsync

import (
	"sort"
	"sync"
	"time"
)

// PresenceUpdate carries partial self-record changes; nil fields are left
// untouched.
type PresenceUpdate struct {
	DisplayName *string
	AvatarURL   *string
	Color       *string
}

// presenceTracker maintains the membership table for one board. Every sync
// event from the remote presence source fully replaces the table, which
// keeps it immune to missed join/leave deltas.
type presenceTracker struct {
	selfKey    string
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	self    PresenceEntry
	entries map[string]PresenceEntry
}

func newPresenceTracker(selfKey string, self PresenceEntry, staleAfter time.Duration) *presenceTracker {
	self.ConnKey = selfKey
	return &presenceTracker{
		selfKey:    selfKey,
		staleAfter: staleAfter,
		now:        time.Now,
		self:       self,
		entries:    make(map[string]PresenceEntry),
	}
}

// applySync replaces the whole membership table. Idempotent: replaying or
// reordering full-state syncs is harmless.
func (t *presenceTracker) applySync(m map[string]PresenceEntry) {
	next := make(map[string]PresenceEntry, len(m))
	for key, entry := range m {
		entry.ConnKey = key
		next[key] = entry
	}
	t.mu.Lock()
	t.entries = next
	t.mu.Unlock()
}

// selfRecord returns the current self entry with a refreshed timestamp,
// ready to be tracked.
func (t *presenceTracker) selfRecord() PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self.Online = true
	t.self.LastSeenAt = t.now().UnixMilli()
	return t.self
}

// mergeSelf folds partial fields into the self record and returns the
// refreshed result for immediate re-tracking.
func (t *presenceTracker) mergeSelf(upd PresenceUpdate) PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if upd.DisplayName != nil {
		t.self.DisplayName = *upd.DisplayName
	}
	if upd.AvatarURL != nil {
		t.self.AvatarURL = *upd.AvatarURL
	}
	if upd.Color != nil {
		t.self.Color = *upd.Color
	}
	t.self.Online = true
	t.self.LastSeenAt = t.now().UnixMilli()
	return t.self
}

// offlineRecord returns the self entry marked offline, for the final track
// on teardown so other participants see a clean departure.
func (t *presenceTracker) offlineRecord() PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.self.Online = false
	t.self.LastSeenAt = t.now().UnixMilli()
	return t.self
}

// snapshot returns all entries from the most recent sync, sorted by
// connection key. Stale entries are included; they are only excluded from
// activeCount.
func (t *presenceTracker) snapshot() []PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnKey < out[j].ConnKey })
	return out
}

// others returns every entry except this connection's own.
func (t *presenceTracker) others() []PresenceEntry {
	all := t.snapshot()
	out := all[:0]
	for _, e := range all {
		if e.ConnKey != t.selfKey {
			out = append(out, e)
		}
	}
	return out
}

// activeCount counts connections, not distinct participants: two tabs from
// one identity are two. Entries not seen within staleAfter are excluded
// but not deleted; the next sync drops them.
func (t *presenceTracker) activeCount() int {
	cutoff := t.now().Add(-t.staleAfter).UnixMilli()
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.Online && e.LastSeenAt >= cutoff {
			n++
		}
	}
	return n
}

// clear drops the membership table, for teardown.
func (t *presenceTracker) clear() {
	t.mu.Lock()
	t.entries = make(map[string]PresenceEntry)
	t.mu.Unlock()
}
