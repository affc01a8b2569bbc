package boardsync

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of the cached collections. Slices are sorted
// by (UpdatedAt, ID) so callers get a stable order.
type Snapshot struct {
	Items []Item
	Votes []Vote
	Board *BoardMeta
}

// cacheState is the copy-on-write backing store. A state is never mutated
// after it has been published; applying a change builds a new state and
// swaps the pointer, so readers never observe a half-applied event.
type cacheState struct {
	items map[string]Item
	votes map[string]Vote
	board *BoardMeta
}

func emptyCacheState() *cacheState {
	return &cacheState{
		items: make(map[string]Item),
		votes: make(map[string]Vote),
	}
}

func (s *cacheState) clone() *cacheState {
	next := &cacheState{
		items: make(map[string]Item, len(s.items)),
		votes: make(map[string]Vote, len(s.votes)),
		board: s.board,
	}
	for id, it := range s.items {
		next.items[id] = it
	}
	for id, v := range s.votes {
		next.votes[id] = v
	}
	return next
}

// entityCache mirrors the board's persisted collections. Writers are
// serialized by mu; readers load the published state without locking.
type entityCache struct {
	mu     sync.Mutex
	state  atomic.Pointer[cacheState]
	logger *slog.Logger
}

func newEntityCache(logger *slog.Logger) *entityCache {
	c := &entityCache{logger: logger}
	c.state.Store(emptyCacheState())
	return c
}

// setInitial replaces the whole cache with the result of a bulk load.
func (c *entityCache) setInitial(items []Item, votes []Vote, board *BoardMeta) {
	next := emptyCacheState()
	for _, it := range items {
		next.items[it.ID] = it
	}
	for _, v := range votes {
		next.votes[v.ID] = v
	}
	next.board = board

	c.mu.Lock()
	c.state.Store(next)
	c.mu.Unlock()
}

// apply merges one change event. Events for an identifier are applied in
// delivery order, last received wins. At-least-once delivery is tolerated:
// a duplicate insert degrades to an update, an update for an absent
// identifier is treated as an insert, and deleting an absent identifier is
// a no-op.
func (c *entityCache) apply(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state.Load().clone()
	switch ev.Collection {
	case CollectionItems:
		switch ev.Type {
		case EventInsert, EventUpdate:
			if ev.Item == nil {
				c.logger.Warn("Dropping item change without record", "type", ev.Type)
				return
			}
			next.items[ev.Item.ID] = *ev.Item
		case EventDelete:
			delete(next.items, ev.RecordID())
		}
	case CollectionVotes:
		switch ev.Type {
		case EventInsert, EventUpdate:
			if ev.Vote == nil {
				c.logger.Warn("Dropping vote change without record", "type", ev.Type)
				return
			}
			next.votes[ev.Vote.ID] = *ev.Vote
		case EventDelete:
			delete(next.votes, ev.RecordID())
		}
	case CollectionBoard:
		switch ev.Type {
		case EventInsert, EventUpdate:
			if ev.Board == nil {
				c.logger.Warn("Dropping board change without record", "type", ev.Type)
				return
			}
			// Single-record last-write-wins replace, no field merge.
			meta := *ev.Board
			next.board = &meta
		case EventDelete:
			next.board = nil
		}
	default:
		c.logger.Warn("Dropping change for unknown collection", "collection", ev.Collection)
		return
	}
	c.state.Store(next)
}

// clear drops everything, for teardown.
func (c *entityCache) clear() {
	c.mu.Lock()
	c.state.Store(emptyCacheState())
	c.mu.Unlock()
}

// snapshot returns a consistent copy of the current state.
func (c *entityCache) snapshot() Snapshot {
	st := c.state.Load()

	items := make([]Item, 0, len(st.items))
	for _, it := range st.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt != items[j].UpdatedAt {
			return items[i].UpdatedAt < items[j].UpdatedAt
		}
		return items[i].ID < items[j].ID
	})

	votes := make([]Vote, 0, len(st.votes))
	for _, v := range st.votes {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool {
		if votes[i].UpdatedAt != votes[j].UpdatedAt {
			return votes[i].UpdatedAt < votes[j].UpdatedAt
		}
		return votes[i].ID < votes[j].ID
	})

	var board *BoardMeta
	if st.board != nil {
		meta := *st.board
		board = &meta
	}
	return Snapshot{Items: items, Votes: votes, Board: board}
}

func (c *entityCache) itemCount() int {
	return len(c.state.Load().items)
}
