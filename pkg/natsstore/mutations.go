package natsstore

import (
	"context"
	"encoding/json"

	"github.com/example/boardsync/pkg/boardsync"
)

// Mutations go straight to board-service; the engine never queues writes.
// It only ingests the change events the service publishes after each
// committed mutation, so the surrounding application calls these directly.

type itemCreateRequest struct {
	Column        string `json:"column"`
	Text          string `json:"text"`
	ParticipantID string `json:"participantId"`
}

type itemUpdateRequest struct {
	ItemID        string  `json:"itemId"`
	Text          *string `json:"text,omitempty"`
	Column        *string `json:"column,omitempty"`
	ParticipantID string  `json:"participantId"`
}

type itemDeleteRequest struct {
	ItemID        string `json:"itemId"`
	ParticipantID string `json:"participantId"`
}

type voteRequest struct {
	ItemID        string `json:"itemId"`
	ParticipantID string `json:"participantId"`
}

// BoardUpdate carries partial metadata changes; nil fields are left as-is.
type BoardUpdate struct {
	Name      *string `json:"name,omitempty"`
	Phase     *string `json:"phase,omitempty"`
	ShowVotes *bool   `json:"showVotes,omitempty"`
}

type boardCreateRequest struct {
	Name          string `json:"name"`
	ParticipantID string `json:"participantId"`
}

type okReply struct {
	OK bool `json:"ok"`
}

func (s *Store) op(ctx context.Context, boardID, action string, req, out any) error {
	if err := validateToken("board id", boardID); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.request(ctx, opSubject(boardID, action), payload, out)
}

// CreateBoard registers the board's metadata record.
func (s *Store) CreateBoard(ctx context.Context, boardID, name, participantID string) (*boardsync.BoardMeta, error) {
	var meta boardsync.BoardMeta
	err := s.op(ctx, boardID, "board.create", boardCreateRequest{Name: name, ParticipantID: participantID}, &meta)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// UpdateBoard applies a partial metadata update.
func (s *Store) UpdateBoard(ctx context.Context, boardID string, upd BoardUpdate) (*boardsync.BoardMeta, error) {
	var meta boardsync.BoardMeta
	if err := s.op(ctx, boardID, "board.update", upd, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// CreateItem adds a card to a column.
func (s *Store) CreateItem(ctx context.Context, boardID, column, text, participantID string) (*boardsync.Item, error) {
	var item boardsync.Item
	err := s.op(ctx, boardID, "item.create", itemCreateRequest{
		Column: column, Text: text, ParticipantID: participantID,
	}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateItem rewrites a card's text and/or moves it to another column.
func (s *Store) UpdateItem(ctx context.Context, boardID, itemID string, text, column *string, participantID string) (*boardsync.Item, error) {
	var item boardsync.Item
	err := s.op(ctx, boardID, "item.update", itemUpdateRequest{
		ItemID: itemID, Text: text, Column: column, ParticipantID: participantID,
	}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteItem removes a card. The service cascades the item's votes.
func (s *Store) DeleteItem(ctx context.Context, boardID, itemID, participantID string) error {
	var reply okReply
	return s.op(ctx, boardID, "item.delete", itemDeleteRequest{
		ItemID: itemID, ParticipantID: participantID,
	}, &reply)
}

// CastVote votes on an item. Idempotent per (item, voter); the service
// enforces the board's vote budget.
func (s *Store) CastVote(ctx context.Context, boardID, itemID, participantID string) (*boardsync.Vote, error) {
	var vote boardsync.Vote
	err := s.op(ctx, boardID, "vote.cast", voteRequest{
		ItemID: itemID, ParticipantID: participantID,
	}, &vote)
	if err != nil {
		return nil, err
	}
	return &vote, nil
}

// RetractVote removes this participant's vote from an item, if any.
func (s *Store) RetractVote(ctx context.Context, boardID, itemID, participantID string) error {
	var reply okReply
	return s.op(ctx, boardID, "vote.retract", voteRequest{
		ItemID: itemID, ParticipantID: participantID,
	}, &reply)
}
