package natsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/example/boardsync/pkg/boardsync"
)

// subscription bundles the three listener categories for one board: entity
// change events, the presence KV watcher, and broadcast/cursor traffic.
type subscription struct {
	closeOnce sync.Once
	done      chan struct{}
	subs      []*nats.Subscription
	watcher   nats.KeyWatcher
}

func (s *subscription) Unsubscribe() error {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		if s.watcher != nil {
			_ = s.watcher.Stop()
		}
	})
	return nil
}

// Subscribe attaches to a board's event sources. On success the handlers'
// OnStatus callback fires with StatusSubscribed; an asynchronous connection
// loss later surfaces as StatusClosed. Setup failures are returned directly
// so the engine's backoff cycle drives the redial.
func (s *Store) Subscribe(ctx context.Context, boardID string, h boardsync.EventHandlers) (boardsync.Subscription, error) {
	if err := validateToken("board id", boardID); err != nil {
		return nil, err
	}

	nc, kv, err := s.conn()
	if err != nil {
		return nil, err
	}

	sub := &subscription{done: make(chan struct{})}
	fail := func(err error) (boardsync.Subscription, error) {
		_ = sub.Unsubscribe()
		return nil, err
	}

	evSub, err := nc.Subscribe(changeSubject(boardID), func(msg *nats.Msg) {
		var ev boardsync.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.opts.Logger.Warn("Dropping malformed change event", "board", boardID, "error", err)
			return
		}
		if h.OnChange != nil {
			h.OnChange(ev)
		}
	})
	if err != nil {
		return fail(fmt.Errorf("subscribe change events: %w", err))
	}
	sub.subs = append(sub.subs, evSub)

	bcPrefix := broadcastSubject(boardID, "")
	bcSub, err := nc.Subscribe(broadcastSubject(boardID, "*"), func(msg *nats.Msg) {
		event := strings.TrimPrefix(msg.Subject, bcPrefix)
		if h.OnBroadcast != nil {
			h.OnBroadcast(event, msg.Data)
		}
	})
	if err != nil {
		return fail(fmt.Errorf("subscribe broadcasts: %w", err))
	}
	sub.subs = append(sub.subs, bcSub)

	watcher, err := kv.Watch(boardID + ".*")
	if err != nil {
		return fail(fmt.Errorf("watch presence: %w", err))
	}
	sub.watcher = watcher
	go watchPresence(boardID, watcher, sub.done, h.OnPresenceSync, s.opts.Logger)

	// Surface an async connection loss as a subscription drop. With
	// reconnection disabled a broken connection goes straight to CLOSED.
	statusCh := nc.StatusChanged(nats.CLOSED)
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case st, ok := <-statusCh:
				if !ok {
					return
				}
				if st == nats.CLOSED {
					if h.OnStatus != nil {
						h.OnStatus(boardsync.StatusClosed, nats.ErrConnectionClosed)
					}
					return
				}
			}
		}
	}()

	if h.OnStatus != nil {
		h.OnStatus(boardsync.StatusSubscribed, nil)
	}
	return sub, nil
}

// watchPresence mirrors the board's slice of the presence bucket and
// invokes the sync callback with a full membership snapshot on every
// change. Full-state replacement keeps clients immune to missed deltas.
func watchPresence(boardID string, w nats.KeyWatcher, done <-chan struct{}, onSync func(map[string]boardsync.PresenceEntry), logger *slog.Logger) {
	mirror := make(map[string]boardsync.PresenceEntry)
	prefix := boardID + "."
	initial := true

	emit := func() {
		if onSync == nil {
			return
		}
		snap := make(map[string]boardsync.PresenceEntry, len(mirror))
		for k, v := range mirror {
			snap[k] = v
		}
		onSync(snap)
	}

	for {
		select {
		case <-done:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// End of initial values: publish the first full snapshot.
				if initial {
					initial = false
					emit()
				}
				continue
			}
			connKey := strings.TrimPrefix(entry.Key(), prefix)
			switch entry.Operation() {
			case nats.KeyValuePut:
				var pe boardsync.PresenceEntry
				if err := json.Unmarshal(entry.Value(), &pe); err != nil {
					logger.Warn("Dropping malformed presence record", "key", entry.Key(), "error", err)
					continue
				}
				pe.ConnKey = connKey
				mirror[connKey] = pe
			case nats.KeyValueDelete, nats.KeyValuePurge:
				delete(mirror, connKey)
			}
			if !initial {
				emit()
			}
		}
	}
}
