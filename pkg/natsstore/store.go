// Package natsstore implements the boardsync RemoteStore contract on NATS:
// core pub/sub for change events and broadcasts, request/reply against
// board-service for bulk loads and mutations, and a JetStream KV bucket
// with TTL for presence.
package natsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/boardsync/pkg/boardsync"
	"github.com/example/boardsync/pkg/otelhelper"
)

// presenceBucket holds one key per attached connection, {board}.{connKey}.
// The TTL is generous against the 30s heartbeat so one missed beat does not
// flap presence.
const (
	presenceBucket = "BOARD_PRESENCE"
	presenceTTL    = 75 * time.Second
)

// Options tunes the store. Zero values fall back to defaults.
type Options struct {
	Name           string        // connection name, default "boardsync-client"
	User           string        // NATS credentials
	Pass           string
	RequestTimeout time.Duration // default 5s
	Logger         *slog.Logger  // default slog.Default()
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "boardsync-client"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store talks to the boardsync backend over one NATS connection. The
// connection is dialed lazily and deliberately does NOT auto-reconnect: the
// engine's connection manager owns the retry policy, and a dropped
// connection must surface as a subscription failure so the full attach
// cycle replays.
type Store struct {
	url  string
	opts Options

	// guarded by connMu
	connMu sync.Mutex
	nc     *nats.Conn
	kv     nats.KeyValue
}

// New creates a store for the given NATS URL. No I/O happens until the
// first subscribe or request.
func New(url string, opts Options) *Store {
	return &Store{url: url, opts: opts.withDefaults()}
}

// conn returns a live connection and presence bucket, dialing if needed.
func (s *Store) conn() (*nats.Conn, nats.KeyValue, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.nc != nil && !s.nc.IsClosed() {
		return s.nc, s.kv, nil
	}

	var copts []nats.Option
	copts = append(copts,
		nats.Name(s.opts.Name),
		// Reconnection belongs to the engine's backoff state machine.
		nats.NoReconnect(),
	)
	if s.opts.User != "" {
		copts = append(copts, nats.UserInfo(s.opts.User, s.opts.Pass))
	}

	nc, err := nats.Connect(s.url, copts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		TTL:     presenceTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		// Bucket may already exist with the same config; bind to it.
		kv, err = js.KeyValue(presenceBucket)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("presence bucket: %w", err)
		}
	}

	s.nc = nc
	s.kv = kv
	s.opts.Logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, kv, nil
}

// Close releases the underlying connection.
func (s *Store) Close() {
	s.connMu.Lock()
	nc := s.nc
	s.nc = nil
	s.kv = nil
	s.connMu.Unlock()
	if nc != nil && !nc.IsClosed() {
		nc.Drain()
	}
}

// ── subject plan ──

func changeSubject(boardID string) string {
	return "board.event." + boardID
}

func broadcastSubject(boardID, event string) string {
	return "board.broadcast." + boardID + "." + event
}

func itemsSubject(boardID string) string { return "board.items." + boardID }
func votesSubject(boardID string) string { return "board.votes." + boardID }
func metaSubject(boardID string) string  { return "board.meta." + boardID }

func opSubject(boardID, action string) string {
	return "board.op." + boardID + "." + action
}

func presenceKey(boardID, connKey string) string {
	return boardID + "." + connKey
}

// validateToken guards subject and KV key segments. Dots would break both
// the subject hierarchy and the {board}.{connKey} key format.
func validateToken(name, value string) error {
	if value == "" {
		return fmt.Errorf("natsstore: %s is required", name)
	}
	if strings.ContainsAny(value, ".*> \t") {
		return fmt.Errorf("natsstore: %s %q contains reserved characters", name, value)
	}
	return nil
}

// ── bulk loads ──

type errorReply struct {
	Error string `json:"error"`
}

// decodeReply unmarshals a board-service reply, translating the service's
// {"error": ...} convention into a Go error.
func decodeReply(data []byte, out any) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var er errorReply
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return fmt.Errorf("natsstore: remote error: %s", er.Error)
		}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (s *Store) request(ctx context.Context, subject string, payload []byte, out any) error {
	nc, _, err := s.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	reply, err := otelhelper.TracedRequest(ctx, nc, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return decodeReply(reply.Data, out)
}

// LoadItems fetches all items of a board from board-service.
func (s *Store) LoadItems(ctx context.Context, boardID string) ([]boardsync.Item, error) {
	if err := validateToken("board id", boardID); err != nil {
		return nil, err
	}
	var items []boardsync.Item
	if err := s.request(ctx, itemsSubject(boardID), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// LoadVotes fetches only the votes belonging to the given item ids. An
// empty id set short-circuits: no items means no votes can exist.
func (s *Store) LoadVotes(ctx context.Context, boardID string, itemIDs []string) ([]boardsync.Vote, error) {
	if err := validateToken("board id", boardID); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return []boardsync.Vote{}, nil
	}
	payload, err := json.Marshal(map[string][]string{"itemIds": itemIDs})
	if err != nil {
		return nil, err
	}
	var votes []boardsync.Vote
	if err := s.request(ctx, votesSubject(boardID), payload, &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

// LoadBoard fetches the board metadata record.
func (s *Store) LoadBoard(ctx context.Context, boardID string) (*boardsync.BoardMeta, error) {
	if err := validateToken("board id", boardID); err != nil {
		return nil, err
	}
	var meta boardsync.BoardMeta
	if err := s.request(ctx, metaSubject(boardID), nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ── presence ──

// Track writes or refreshes this connection's presence record. The KV TTL
// reclaims records whose owner stopped heartbeating.
func (s *Store) Track(ctx context.Context, boardID string, entry boardsync.PresenceEntry) error {
	if err := validateToken("board id", boardID); err != nil {
		return err
	}
	if err := validateToken("connection key", entry.ConnKey); err != nil {
		return err
	}
	_, kv, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := kv.Put(presenceKey(boardID, entry.ConnKey), data); err != nil {
		return fmt.Errorf("presence put: %w", err)
	}
	return nil
}

// Untrack removes this connection's presence record. Removing an absent
// record is a no-op.
func (s *Store) Untrack(ctx context.Context, boardID, connKey string) error {
	if err := validateToken("board id", boardID); err != nil {
		return err
	}
	if err := validateToken("connection key", connKey); err != nil {
		return err
	}
	_, kv, err := s.conn()
	if err != nil {
		return err
	}
	err = kv.Delete(presenceKey(boardID, connKey))
	if err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("presence delete: %w", err)
	}
	return nil
}

// ── broadcast ──

// SendBroadcast fans an ephemeral event out on the board's broadcast
// subject. Fire-and-forget.
func (s *Store) SendBroadcast(ctx context.Context, boardID, event string, payload []byte) error {
	if err := validateToken("board id", boardID); err != nil {
		return err
	}
	if err := validateToken("event name", event); err != nil {
		return err
	}
	nc, _, err := s.conn()
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, nc, broadcastSubject(boardID, event), payload)
}
