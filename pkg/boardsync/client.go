package boardsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// cursorEvent is the reserved broadcast event name cursor traffic rides on.
const cursorEvent = "cursor"

// Participant is the identity of the local user, as established by the
// surrounding application. The engine is agnostic to how it was issued.
type Participant struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Color       string
}

// Options tunes one client. Zero values fall back to the defaults noted on
// each field.
type Options struct {
	Participant Participant

	Backoff           BackoffConfig // 5 retries, 1s..30s
	HeartbeatInterval time.Duration // 30s
	StaleAfter        time.Duration // 90s
	CursorMinInterval time.Duration // 50ms
	CursorMinDistance float64       // 2.0 normalized units
	LoadTimeout       time.Duration // 10s
	Logger            *slog.Logger  // slog.Default()
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 90 * time.Second
	}
	if o.CursorMinInterval <= 0 {
		o.CursorMinInterval = 50 * time.Millisecond
	}
	if o.CursorMinDistance <= 0 {
		o.CursorMinDistance = 2.0
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is the single entry point surrounding code talks to. One Client
// owns one logical channel for one board; it is created with Open and must
// be released with Close.
type Client struct {
	store   RemoteStore
	boardID string
	connKey string
	opts    Options
	logger  *slog.Logger

	cache    *entityCache
	presence *presenceTracker
	cursors  *cursorChannel
	bcast    *broadcaster
	conn     *connManager

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
	heartbeatOnce sync.Once

	loadMu  sync.Mutex
	loaded  bool
	loadErr error

	watchMu  sync.Mutex
	watchers []func(ConnStatus)

	closed atomic.Bool

	eventsApplied  metric.Int64Counter
	reconnects     metric.Int64Counter
	heartbeatsSent metric.Int64Counter
	broadcastsIn   metric.Int64Counter
}

// Open attaches to a board and starts the connection cycle. The returned
// client is usable immediately; cached collections fill in once the channel
// reaches connected and the initial load completes.
func Open(store RemoteStore, boardID string, opts Options) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("boardsync: store is required")
	}
	if boardID == "" {
		return nil, fmt.Errorf("boardsync: board id is required")
	}
	opts = opts.withDefaults()

	connKey := uuid.NewString()
	logger := opts.Logger.With("board", boardID, "conn", connKey[:8])

	meter := otel.Meter("boardsync")
	eventsApplied, _ := meter.Int64Counter("boardsync_events_applied_total",
		metric.WithDescription("Entity change events merged into the cache"))
	reconnects, _ := meter.Int64Counter("boardsync_reconnects_total",
		metric.WithDescription("Connection cycles entered after a failure"))
	heartbeatsSent, _ := meter.Int64Counter("boardsync_heartbeats_total",
		metric.WithDescription("Presence heartbeat re-tracks sent"))
	broadcastsIn, _ := meter.Int64Counter("boardsync_broadcasts_received_total",
		metric.WithDescription("Inbound broadcast events, cursor traffic included"))

	c := &Client{
		store:          store,
		boardID:        boardID,
		connKey:        connKey,
		opts:           opts,
		logger:         logger,
		heartbeatStop:  make(chan struct{}),
		heartbeatDone:  make(chan struct{}),
		eventsApplied:  eventsApplied,
		reconnects:     reconnects,
		heartbeatsSent: heartbeatsSent,
		broadcastsIn:   broadcastsIn,
	}

	c.cache = newEntityCache(logger)
	c.presence = newPresenceTracker(connKey, PresenceEntry{
		ParticipantID: opts.Participant.ID,
		DisplayName:   opts.Participant.DisplayName,
		AvatarURL:     opts.Participant.AvatarURL,
		Color:         opts.Participant.Color,
	}, opts.StaleAfter)
	c.bcast = newBroadcaster(func(event string, payload []byte) error {
		return store.SendBroadcast(context.Background(), boardID, event, payload)
	}, logger)
	c.cursors = newCursorChannel(connKey, opts.CursorMinInterval, opts.CursorMinDistance, func(s CursorSample) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return c.bcast.emit(cursorEvent, data)
	}, logger)

	c.conn = newConnManager(store, boardID, opts.Backoff, logger)
	c.conn.handlers = EventHandlers{
		OnChange:       c.handleChange,
		OnPresenceSync: c.handlePresenceSync,
		OnBroadcast:    c.handleBroadcast,
	}
	c.conn.onConnected = c.onConnected
	c.conn.onStatus = c.notifyStatus

	go c.heartbeatLoop()
	c.conn.attach()
	return c, nil
}

// ── inbound event plumbing ──

func (c *Client) handleChange(ev ChangeEvent) {
	if c.closed.Load() {
		return
	}
	c.cache.apply(ev)
	c.eventsApplied.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("collection", string(ev.Collection)),
		attribute.String("type", string(ev.Type)),
	))
}

func (c *Client) handlePresenceSync(m map[string]PresenceEntry) {
	if c.closed.Load() {
		return
	}
	c.presence.applySync(m)
	// A connection gone from the sync no longer owns a cursor.
	for key := range c.cursors.snapshot() {
		if _, ok := m[key]; !ok {
			c.cursors.forget(key)
		}
	}
}

func (c *Client) handleBroadcast(event string, payload []byte) {
	if c.closed.Load() {
		return
	}
	c.broadcastsIn.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event)))
	if event == cursorEvent {
		var sample CursorSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			c.logger.Warn("Dropping malformed cursor payload", "error", err)
			return
		}
		c.cursors.applyRemote(sample)
		return
	}
	c.bcast.dispatch(event, payload)
}

// onConnected replays the setup sequence after every successful subscribe:
// announce presence, then load the collections.
func (c *Client) onConnected() {
	if c.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.LoadTimeout)
	defer cancel()

	if err := c.store.Track(ctx, c.boardID, c.presence.selfRecord()); err != nil {
		c.logger.Warn("Failed to track presence", "error", err)
	}
	if err := c.loadInitial(ctx); err != nil {
		c.logger.Warn("Initial load incomplete", "error", err)
	}
}

// loadInitial bulk-fetches the three collections. Items come first; votes
// are fetched only for the item ids that load returned, never a stale set.
// A partial failure leaves what loaded in place and records the error.
func (c *Client) loadInitial(ctx context.Context) error {
	items, err := c.store.LoadItems(ctx, c.boardID)
	if err != nil {
		c.setLoadResult(false, fmt.Errorf("load items: %w", err))
		return err
	}

	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}

	votes, votesErr := c.store.LoadVotes(ctx, c.boardID, itemIDs)
	board, boardErr := c.store.LoadBoard(ctx, c.boardID)

	c.cache.setInitial(items, votes, board)

	if votesErr != nil {
		c.setLoadResult(false, fmt.Errorf("load votes: %w", votesErr))
		return votesErr
	}
	if boardErr != nil {
		c.setLoadResult(false, fmt.Errorf("load board: %w", boardErr))
		return boardErr
	}
	c.setLoadResult(true, nil)
	c.logger.Info("Initial load complete", "items", len(items), "votes", len(votes))
	return nil
}

func (c *Client) setLoadResult(loaded bool, err error) {
	c.loadMu.Lock()
	c.loaded = loaded
	c.loadErr = err
	c.loadMu.Unlock()
}

// ── heartbeat ──

func (c *Client) heartbeatLoop() {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.heartbeatStop:
			return
		case <-ticker.C:
			if c.conn.currentStatus().State != StateConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.store.Track(ctx, c.boardID, c.presence.selfRecord())
			cancel()
			if err != nil {
				c.logger.Warn("Heartbeat track failed", "error", err)
				continue
			}
			c.heartbeatsSent.Add(context.Background(), 1)
		}
	}
}

// ── public surface ──

// Snapshot returns a consistent view of all three cached collections.
func (c *Client) Snapshot() Snapshot { return c.cache.snapshot() }

// Items returns the cached items.
func (c *Client) Items() []Item { return c.cache.snapshot().Items }

// Votes returns the cached votes.
func (c *Client) Votes() []Vote { return c.cache.snapshot().Votes }

// Board returns the cached board metadata, nil before the initial load.
func (c *Client) Board() *BoardMeta { return c.cache.snapshot().Board }

// Presence returns all entries from the most recent presence sync.
func (c *Client) Presence() []PresenceEntry { return c.presence.snapshot() }

// OtherParticipants returns the presence entries of every other connection.
func (c *Client) OtherParticipants() []PresenceEntry { return c.presence.others() }

// ActiveCount counts non-stale connections, not distinct participants.
func (c *Client) ActiveCount() int { return c.presence.activeCount() }

// Cursors returns the current cursor map keyed by connection key. The local
// cursor is never present.
func (c *Client) Cursors() map[string]CursorSample { return c.cursors.snapshot() }

// ConnectionState reports the channel's state machine position.
func (c *Client) ConnectionState() ConnStatus { return c.conn.currentStatus() }

// LoadError reports the initial-load error flag; nil once a load has fully
// succeeded, ErrNotLoaded before the first attempt finishes.
func (c *Client) LoadError() error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}
	if c.loadErr != nil {
		return c.loadErr
	}
	return ErrNotLoaded
}

// ConnKey is this connection's presence key.
func (c *Client) ConnKey() string { return c.connKey }

// OnStateChange registers an observer for connection state transitions.
// Observers also may poll ConnectionState; both views are supported.
func (c *Client) OnStateChange(f func(ConnStatus)) {
	if f == nil {
		return
	}
	c.watchMu.Lock()
	c.watchers = append(c.watchers, f)
	c.watchMu.Unlock()
}

func (c *Client) notifyStatus(st ConnStatus) {
	if st.State == StateConnecting && st.RetryCount > 0 {
		c.reconnects.Add(context.Background(), 1)
	}
	c.watchMu.Lock()
	watchers := make([]func(ConnStatus), len(c.watchers))
	copy(watchers, c.watchers)
	c.watchMu.Unlock()
	for _, f := range watchers {
		f(st)
	}
}

// SendCursor publishes the local pointer position. Throttled to one send
// per interval and suppressed below the movement threshold.
func (c *Client) SendCursor(x, y float64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.cursors.sendPosition(CursorSample{
		ParticipantID: c.opts.Participant.ID,
		DisplayName:   c.opts.Participant.DisplayName,
		Color:         c.opts.Participant.Color,
		X:             x,
		Y:             y,
	})
}

// UpdatePresence merges partial fields into the self record and re-tracks
// immediately instead of waiting for the next heartbeat.
func (c *Client) UpdatePresence(ctx context.Context, upd PresenceUpdate) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.store.Track(ctx, c.boardID, c.presence.mergeSelf(upd))
}

// Broadcast fans an ephemeral named event out to the board, fire-and-forget.
func (c *Client) Broadcast(event string, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.bcast.emit(event, payload)
}

// On registers a handler for inbound broadcast events of the given name.
func (c *Client) On(event string, h BroadcastHandler) {
	c.bcast.on(event, h)
}

// Refetch re-runs the initial bulk load, the recovery path for a failed or
// partial first load.
func (c *Client) Refetch(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.loadInitial(ctx)
}

// Reconnect resets the retry budget and restarts the connection cycle.
// Required after the terminal disconnected state.
func (c *Client) Reconnect() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.conn.reconnect()
}

// Close releases the client: stops the heartbeat, marks presence offline,
// untracks, releases the channel and clears all cached state. Idempotent;
// no timer fires after Close returns.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.heartbeatOnce.Do(func() { close(c.heartbeatStop) })
	// Wait for an in-flight heartbeat so the offline track below stays the
	// last presence write.
	<-c.heartbeatDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.conn.currentStatus().State == StateConnected {
		// Final track so other participants see a clean departure rather
		// than a heartbeat timeout.
		if err := c.store.Track(ctx, c.boardID, c.presence.offlineRecord()); err != nil {
			c.logger.Debug("Offline track failed on close", "error", err)
		}
	}
	if err := c.store.Untrack(ctx, c.boardID, c.connKey); err != nil {
		c.logger.Debug("Untrack failed on close", "error", err)
	}

	c.conn.detach()

	c.cache.clear()
	c.presence.clear()
	c.cursors.clear()
	c.bcast.clear()
	c.setLoadResult(false, nil)
	c.logger.Info("Client closed")
	return nil
}
