package boardsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the connection lifecycle state visible to callers.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// ConnStatus is a point-in-time view of the connection state machine.
type ConnStatus struct {
	State      ConnState
	RetryCount int
	LastError  error
}

// BackoffConfig bounds the reconnect cycle. Zero values fall back to the
// defaults (5 retries, 1s initial delay, 30s ceiling).
type BackoffConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// delay computes min(initialDelay * 2^retry, maxDelay).
func (c BackoffConfig) delay(retry int) time.Duration {
	d := c.InitialDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// connManager owns the single logical channel for one board. It drives the
// connecting → connected → disconnected state machine and schedules
// reconnects with exponential backoff. Transport errors are never returned
// to callers; they surface only through status notifications.
type connManager struct {
	store    RemoteStore
	boardID  string
	cfg      BackoffConfig
	handlers EventHandlers
	logger   *slog.Logger

	// onConnected runs after each successful subscribe acknowledgment
	// (initial cache load, presence track). Invoked on its own goroutine.
	onConnected func()
	// onStatus receives every state transition.
	onStatus func(ConnStatus)

	mu         sync.Mutex
	status     ConnStatus
	sub        Subscription
	retryTimer *time.Timer
	// generation invalidates stale timer callbacks and status callbacks
	// from a superseded subscribe attempt.
	generation uint64
	closed     bool

	// pending queues status notifications for in-order delivery by a
	// single drainer goroutine; notifying reports whether one is running.
	pending   []ConnStatus
	notifying bool
}

func newConnManager(store RemoteStore, boardID string, cfg BackoffConfig, logger *slog.Logger) *connManager {
	return &connManager{
		store:   store,
		boardID: boardID,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		status:  ConnStatus{State: StateDisconnected},
	}
}

// attach opens the channel and starts the first subscribe attempt.
func (m *connManager) attach() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.setStatusLocked(ConnStatus{State: StateConnecting, RetryCount: m.status.RetryCount})
	m.mu.Unlock()

	go m.subscribe(gen)
}

// reconnect resets the retry budget and replays the full attach cycle.
// This is the only way out of the terminal disconnected state.
func (m *connManager) reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelRetryLocked()
	m.releaseSubLocked()
	m.generation++
	gen := m.generation
	m.setStatusLocked(ConnStatus{State: StateConnecting, RetryCount: 0})
	m.mu.Unlock()

	go m.subscribe(gen)
	return nil
}

// detach cancels any pending retry, releases the channel and freezes the
// manager. Idempotent.
func (m *connManager) detach() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	m.cancelRetryLocked()
	m.releaseSubLocked()
	m.setStatusLocked(ConnStatus{State: StateDisconnected, RetryCount: m.status.RetryCount, LastError: m.status.LastError})
	m.mu.Unlock()
}

func (m *connManager) currentStatus() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// subscribe performs one attempt for the given generation.
func (m *connManager) subscribe(gen uint64) {
	handlers := m.handlers
	handlers.OnStatus = func(status SubscribeStatus, err error) {
		m.handleStatus(gen, status, err)
	}

	sub, err := m.store.Subscribe(context.Background(), m.boardID, handlers)
	if err != nil {
		m.handleStatus(gen, StatusError, err)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	m.sub = sub
	m.mu.Unlock()
}

func (m *connManager) handleStatus(gen uint64, status SubscribeStatus, err error) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}

	switch status {
	case StatusSubscribed:
		m.setStatusLocked(ConnStatus{State: StateConnected, RetryCount: 0})
		m.mu.Unlock()
		m.logger.Info("Channel subscribed", "board", m.boardID)
		if m.onConnected != nil {
			go m.onConnected()
		}
		return
	case StatusError, StatusTimedOut, StatusClosed:
		if err == nil {
			err = fmt.Errorf("subscription %s", status)
		}
	default:
		m.mu.Unlock()
		return
	}

	m.releaseSubLocked()
	retry := m.status.RetryCount

	if retry >= m.cfg.MaxRetries {
		terminal := fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retry, err)
		m.setStatusLocked(ConnStatus{State: StateDisconnected, RetryCount: retry, LastError: terminal})
		m.mu.Unlock()
		m.logger.Error("Channel permanently disconnected", "board", m.boardID, "retries", retry, "error", err)
		return
	}

	delay := m.cfg.delay(retry)
	m.setStatusLocked(ConnStatus{State: StateDisconnected, RetryCount: retry, LastError: err})
	m.retryTimer = time.AfterFunc(delay, func() {
		m.retryFire(gen)
	})
	m.mu.Unlock()
	m.logger.Warn("Channel disconnected, retry scheduled", "board", m.boardID, "retry", retry, "delay", delay, "error", err)
}

// retryFire runs when a backoff timer elapses: increment the retry count
// and re-attempt the subscription under a fresh generation.
func (m *connManager) retryFire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.generation++
	next := m.generation
	m.setStatusLocked(ConnStatus{State: StateConnecting, RetryCount: m.status.RetryCount + 1, LastError: m.status.LastError})
	m.mu.Unlock()

	go m.subscribe(next)
}

func (m *connManager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *connManager) releaseSubLocked() {
	if m.sub != nil {
		sub := m.sub
		m.sub = nil
		go func() { _ = sub.Unsubscribe() }()
	}
}

// setStatusLocked records the transition and queues it for the notifier.
// One drainer goroutine delivers queued transitions in order, outside the
// lock so observers stay free to call back in.
func (m *connManager) setStatusLocked(st ConnStatus) {
	m.status = st
	if m.onStatus == nil {
		return
	}
	m.pending = append(m.pending, st)
	if !m.notifying {
		m.notifying = true
		go m.drainNotifications()
	}
}

func (m *connManager) drainNotifications() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		st := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.onStatus(st)
	}
}
