package boardsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffConfig_Defaults(t *testing.T) {
	cfg := BackoffConfig{}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{}.withDefaults()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.delay(tt.retry), "retry %d", tt.retry)
	}
}

// fastBackoff keeps the retry cycle in the low milliseconds so state machine
// tests finish quickly.
func fastBackoff(maxRetries int) BackoffConfig {
	return BackoffConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
	}
}

func TestConnManager_ConnectsOnAttach(t *testing.T) {
	store := newFakeStore()
	m := newConnManager(store, "b1", fastBackoff(3), testLogger())

	connected := make(chan struct{}, 1)
	m.onConnected = func() { connected <- struct{}{} }

	m.attach()
	defer m.detach()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("onConnected never fired")
	}
	st := m.currentStatus()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 0, st.RetryCount)
	assert.NoError(t, st.LastError)
}

func TestConnManager_RecoversWithinBudget(t *testing.T) {
	store := newFakeStore()
	store.failNextSubscribes(2)
	m := newConnManager(store, "b1", fastBackoff(5), testLogger())

	m.attach()
	defer m.detach()

	require.Eventually(t, func() bool {
		return m.currentStatus().State == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, store.subscribeCalls())
}

func TestConnManager_FreezesAfterRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.failNextSubscribes(100)
	m := newConnManager(store, "b1", fastBackoff(2), testLogger())

	m.attach()
	defer m.detach()

	// Intermediate backoff states are also disconnected-with-error; only
	// the terminal freeze carries ErrRetriesExhausted.
	require.Eventually(t, func() bool {
		return errors.Is(m.currentStatus().LastError, ErrRetriesExhausted)
	}, time.Second, time.Millisecond)

	st := m.currentStatus()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, 2, st.RetryCount)

	// Terminal: the budget is spent and no further attempt is scheduled.
	calls := store.subscribeCalls()
	assert.Equal(t, 3, calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, store.subscribeCalls())
}

func TestConnManager_ReconnectResetsBudget(t *testing.T) {
	store := newFakeStore()
	store.failNextSubscribes(100)
	m := newConnManager(store, "b1", fastBackoff(1), testLogger())

	m.attach()
	defer m.detach()

	require.Eventually(t, func() bool {
		return errors.Is(m.currentStatus().LastError, ErrRetriesExhausted)
	}, time.Second, time.Millisecond)

	store.failNextSubscribes(0)
	require.NoError(t, m.reconnect())

	require.Eventually(t, func() bool {
		return m.currentStatus().State == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.currentStatus().RetryCount)
}

func TestConnManager_DetachCancelsPendingRetry(t *testing.T) {
	store := newFakeStore()
	store.failNextSubscribes(100)
	// Long enough delay that the timer is still pending when we detach.
	m := newConnManager(store, "b1", BackoffConfig{
		MaxRetries:   5,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
	}, testLogger())

	m.attach()
	require.Eventually(t, func() bool {
		return m.currentStatus().State == StateDisconnected
	}, time.Second, time.Millisecond)

	m.detach()
	m.detach() // idempotent

	assert.Equal(t, 1, store.subscribeCalls())
	assert.ErrorIs(t, m.reconnect(), ErrClosed)
}

func TestConnManager_StatusNotifications(t *testing.T) {
	store := newFakeStore()
	m := newConnManager(store, "b1", fastBackoff(3), testLogger())

	seen := make(chan ConnState, 16)
	m.onStatus = func(st ConnStatus) { seen <- st.State }

	m.attach()
	defer m.detach()

	var got []ConnState
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-deadline:
			t.Fatalf("saw only %v", got)
		}
	}
	assert.Equal(t, StateConnecting, got[0])
	assert.Equal(t, StateConnected, got[1])
}

// Transitions must reach the observer in the order they happened, even when
// they are emitted in quick succession. Run many fresh attach cycles to give
// any reordering a chance to show up.
func TestConnManager_NotificationOrderStable(t *testing.T) {
	for i := 0; i < 100; i++ {
		store := newFakeStore()
		m := newConnManager(store, "b1", fastBackoff(3), testLogger())

		seen := make(chan ConnState, 16)
		m.onStatus = func(st ConnStatus) { seen <- st.State }

		m.attach()

		var got []ConnState
		deadline := time.After(time.Second)
		for len(got) < 2 {
			select {
			case s := <-seen:
				got = append(got, s)
			case <-deadline:
				t.Fatalf("cycle %d: saw only %v", i, got)
			}
		}
		m.detach()

		require.Equal(t, StateConnecting, got[0], "cycle %d", i)
		require.Equal(t, StateConnected, got[1], "cycle %d", i)
	}
}
