package boardsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresenceTracker() (*presenceTracker, *time.Time) {
	clock := time.UnixMilli(1_000_000)
	tr := newPresenceTracker("self", PresenceEntry{
		ParticipantID: "alice",
		DisplayName:   "Alice",
	}, 90*time.Second)
	tr.now = func() time.Time { return clock }
	return tr, &clock
}

func entryAt(key, participant string, online bool, seen time.Time) PresenceEntry {
	return PresenceEntry{
		ConnKey:       key,
		ParticipantID: participant,
		Online:        online,
		LastSeenAt:    seen.UnixMilli(),
	}
}

func TestPresenceTracker_SyncIsFullReplacement(t *testing.T) {
	tr, clock := newTestPresenceTracker()

	tr.applySync(map[string]PresenceEntry{
		"self": entryAt("self", "alice", true, *clock),
		"c1":   entryAt("c1", "bob", true, *clock),
		"c2":   entryAt("c2", "carol", true, *clock),
	})
	require.Len(t, tr.snapshot(), 3)

	// The next sync omits c2: it must disappear, not linger.
	tr.applySync(map[string]PresenceEntry{
		"self": entryAt("self", "alice", true, *clock),
		"c1":   entryAt("c1", "bob", true, *clock),
	})
	snap := tr.snapshot()
	require.Len(t, snap, 2)
	for _, e := range snap {
		assert.NotEqual(t, "c2", e.ConnKey)
	}
}

func TestPresenceTracker_ActiveCountsConnectionsNotParticipants(t *testing.T) {
	tr, clock := newTestPresenceTracker()

	// Two tabs of the same participant are two active connections.
	tr.applySync(map[string]PresenceEntry{
		"tab1": entryAt("tab1", "alice", true, *clock),
		"tab2": entryAt("tab2", "alice", true, *clock),
		"c1":   entryAt("c1", "bob", true, *clock),
	})
	assert.Equal(t, 3, tr.activeCount())
}

func TestPresenceTracker_ActiveCountExcludesStaleAndOffline(t *testing.T) {
	tr, clock := newTestPresenceTracker()

	tr.applySync(map[string]PresenceEntry{
		"fresh":   entryAt("fresh", "alice", true, *clock),
		"stale":   entryAt("stale", "bob", true, clock.Add(-2*time.Minute)),
		"offline": entryAt("offline", "carol", false, *clock),
	})

	assert.Equal(t, 1, tr.activeCount())
	// Stale entries stay visible in the snapshot until a sync drops them.
	assert.Len(t, tr.snapshot(), 3)
}

func TestPresenceTracker_Others(t *testing.T) {
	tr, clock := newTestPresenceTracker()

	tr.applySync(map[string]PresenceEntry{
		"self": entryAt("self", "alice", true, *clock),
		"c1":   entryAt("c1", "bob", true, *clock),
	})

	others := tr.others()
	require.Len(t, others, 1)
	assert.Equal(t, "c1", others[0].ConnKey)
}

func TestPresenceTracker_SelfRecord(t *testing.T) {
	tr, clock := newTestPresenceTracker()

	rec := tr.selfRecord()
	assert.Equal(t, "self", rec.ConnKey)
	assert.Equal(t, "alice", rec.ParticipantID)
	assert.True(t, rec.Online)
	assert.Equal(t, clock.UnixMilli(), rec.LastSeenAt)

	*clock = clock.Add(30 * time.Second)
	assert.Equal(t, clock.UnixMilli(), tr.selfRecord().LastSeenAt, "timestamp refreshes per call")
}

func TestPresenceTracker_MergeSelf(t *testing.T) {
	tr, _ := newTestPresenceTracker()

	name := "Alice B"
	color := "#ff0000"
	rec := tr.mergeSelf(PresenceUpdate{DisplayName: &name, Color: &color})

	assert.Equal(t, "Alice B", rec.DisplayName)
	assert.Equal(t, "#ff0000", rec.Color)
	assert.True(t, rec.Online)

	// Nil fields leave previous values untouched.
	avatar := "https://example.com/a.png"
	rec = tr.mergeSelf(PresenceUpdate{AvatarURL: &avatar})
	assert.Equal(t, "Alice B", rec.DisplayName)
	assert.Equal(t, "https://example.com/a.png", rec.AvatarURL)
}

func TestPresenceTracker_OfflineRecord(t *testing.T) {
	tr, _ := newTestPresenceTracker()

	rec := tr.offlineRecord()
	assert.False(t, rec.Online)
	assert.Equal(t, "self", rec.ConnKey)
}
