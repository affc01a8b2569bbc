// Package boardsync is the client-side real-time synchronization engine for
// collaborative boards. It maintains one logical channel per board, mirrors
// the board's persisted collections (items, votes, metadata) in a local
// cache with last-write-wins merge semantics, tracks participant presence,
// relays ephemeral cursor and broadcast signals, and recovers from
// connection loss with exponential backoff.
//
// The engine is read-path-authoritative: writes go directly to the remote
// store and the engine only ingests the resulting change events. The remote
// store is abstracted behind RemoteStore; any broker with subscribe,
// presence track/untrack and broadcast primitives satisfies the contract.
// The in-repo implementation lives in pkg/natsstore.
package boardsync

import "context"

// Collection identifies one of the three synchronized collections.
type Collection string

const (
	CollectionItems Collection = "items"
	CollectionVotes Collection = "votes"
	CollectionBoard Collection = "board"
)

// EventType is the kind of mutation a change event carries.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Item is a single card on a board.
type Item struct {
	ID        string `json:"id"`
	BoardID   string `json:"boardId"`
	Column    string `json:"column"`
	Text      string `json:"text"`
	AuthorID  string `json:"authorId"`
	UpdatedAt int64  `json:"updatedAt"` // unix millis of the last write
}

// Vote is one participant's vote on an item.
type Vote struct {
	ID        string `json:"id"`
	BoardID   string `json:"boardId"`
	ItemID    string `json:"itemId"`
	VoterID   string `json:"voterId"`
	UpdatedAt int64  `json:"updatedAt"`
}

// BoardMeta is the board's single metadata record.
type BoardMeta struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phase      string `json:"phase"`
	ShowVotes  bool   `json:"showVotes"`
	VoteBudget int    `json:"voteBudget"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// ChangeEvent is an authoritative mutation notification from the remote
// store. Exactly one of Item, Vote or Board is set for inserts and updates;
// deletes carry only OldID.
type ChangeEvent struct {
	Collection Collection `json:"collection"`
	Type       EventType  `json:"type"`
	Item       *Item      `json:"item,omitempty"`
	Vote       *Vote      `json:"vote,omitempty"`
	Board      *BoardMeta `json:"board,omitempty"`
	OldID      string     `json:"oldId,omitempty"`
}

// RecordID returns the identifier the event applies to.
func (e ChangeEvent) RecordID() string {
	switch {
	case e.Item != nil:
		return e.Item.ID
	case e.Vote != nil:
		return e.Vote.ID
	case e.Board != nil:
		return e.Board.ID
	}
	return e.OldID
}

// PresenceEntry describes one attached connection. Entries are keyed by
// ConnKey, not participant identity: one participant with two tabs is two
// entries.
type PresenceEntry struct {
	ConnKey       string `json:"connKey"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	Color         string `json:"color,omitempty"`
	Online        bool   `json:"online"`
	LastSeenAt    int64  `json:"lastSeenAt"` // unix millis
}

// CursorSample is an ephemeral pointer position. Never persisted.
type CursorSample struct {
	ConnKey       string  `json:"connKey"`
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"displayName,omitempty"`
	Color         string  `json:"color,omitempty"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
}

// SubscribeStatus is reported by the remote store's status callback.
type SubscribeStatus string

const (
	StatusSubscribed SubscribeStatus = "subscribed"
	StatusError      SubscribeStatus = "error"
	StatusTimedOut   SubscribeStatus = "timed_out"
	StatusClosed     SubscribeStatus = "closed"
)

// EventHandlers carries the engine's callbacks for one subscription. All
// callbacks may be invoked from the store's delivery goroutines.
type EventHandlers struct {
	// OnChange receives entity change events in delivery order.
	OnChange func(ChangeEvent)
	// OnPresenceSync receives the full current membership map keyed by
	// connection key. Full-state replacement, not a delta.
	OnPresenceSync func(map[string]PresenceEntry)
	// OnBroadcast receives ephemeral named events, cursor traffic included.
	OnBroadcast func(event string, payload []byte)
	// OnStatus reports subscription lifecycle transitions.
	OnStatus func(status SubscribeStatus, err error)
}

// Subscription is a live attachment to one board's event sources.
type Subscription interface {
	// Unsubscribe releases the subscription. Safe to call more than once.
	Unsubscribe() error
}

// RemoteStore is the client-side contract the engine requires from the
// remote data store.
type RemoteStore interface {
	// Subscribe attaches to the board's change, presence and broadcast
	// streams. A successful subscription is acknowledged through the
	// handlers' OnStatus callback with StatusSubscribed.
	Subscribe(ctx context.Context, boardID string, h EventHandlers) (Subscription, error)

	// LoadItems fetches all items of a board.
	LoadItems(ctx context.Context, boardID string) ([]Item, error)
	// LoadVotes fetches the votes belonging to the given item ids only.
	LoadVotes(ctx context.Context, boardID string, itemIDs []string) ([]Vote, error)
	// LoadBoard fetches the board's metadata record.
	LoadBoard(ctx context.Context, boardID string) (*BoardMeta, error)

	// Track publishes or refreshes this connection's presence record.
	Track(ctx context.Context, boardID string, entry PresenceEntry) error
	// Untrack removes this connection's presence record.
	Untrack(ctx context.Context, boardID, connKey string) error

	// SendBroadcast fans an ephemeral event out to the board's
	// subscribers. Fire-and-forget: no delivery guarantee.
	SendBroadcast(ctx context.Context, boardID, event string, payload []byte) error
}
