package boardsync

import "errors"

var (
	// ErrClosed is returned by operations on a closed client or handle.
	ErrClosed = errors.New("boardsync: closed")

	// ErrRetriesExhausted marks the terminal disconnected state after the
	// reconnect budget is spent. Only an explicit Reconnect restarts the
	// cycle.
	ErrRetriesExhausted = errors.New("boardsync: reconnect retries exhausted")

	// ErrInvalidCursor marks a cursor sample that failed validation.
	ErrInvalidCursor = errors.New("boardsync: invalid cursor sample")

	// ErrNotLoaded is reported while the initial load has not completed.
	ErrNotLoaded = errors.New("boardsync: initial load not complete")
)
