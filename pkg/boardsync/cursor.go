package boardsync

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Cursor coordinates are normalized to the board viewport; the range allows
// slight overscroll on each axis.
const (
	cursorMin = -100.0
	cursorMax = 200.0
)

// validateCursor rejects non-finite or out-of-range coordinates. Inbound
// samples come from other clients and are treated as untrusted input.
func validateCursor(x, y float64) error {
	for _, v := range [2]float64{x, y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidCursor)
		}
		if v < cursorMin || v > cursorMax {
			return fmt.Errorf("%w: coordinate %.1f outside [%.0f, %.0f]", ErrInvalidCursor, v, cursorMin, cursorMax)
		}
	}
	return nil
}

// cursorChannel relays ephemeral pointer positions. Outbound sends are
// throttled by both a minimum interval and a minimum movement distance;
// inbound samples are validated and self-samples dropped.
type cursorChannel struct {
	selfKey     string
	minInterval time.Duration
	minDistance float64
	now         func() time.Time
	send        func(CursorSample) error
	logger      *slog.Logger

	mu       sync.Mutex
	samples  map[string]CursorSample
	lastSent time.Time
	lastX    float64
	lastY    float64
	hasSent  bool
}

func newCursorChannel(selfKey string, minInterval time.Duration, minDistance float64, send func(CursorSample) error, logger *slog.Logger) *cursorChannel {
	return &cursorChannel{
		selfKey:     selfKey,
		minInterval: minInterval,
		minDistance: minDistance,
		now:         time.Now,
		send:        send,
		logger:      logger,
		samples:     make(map[string]CursorSample),
	}
}

// sendPosition publishes the local pointer position, subject to throttling.
// Suppressed sends are not an error; validation failures are.
func (c *cursorChannel) sendPosition(sample CursorSample) error {
	if err := validateCursor(sample.X, sample.Y); err != nil {
		return err
	}

	c.mu.Lock()
	now := c.now()
	if c.hasSent {
		if now.Sub(c.lastSent) < c.minInterval {
			c.mu.Unlock()
			return nil
		}
		if math.Hypot(sample.X-c.lastX, sample.Y-c.lastY) < c.minDistance {
			c.mu.Unlock()
			return nil
		}
	}
	c.lastSent = now
	c.lastX = sample.X
	c.lastY = sample.Y
	c.hasSent = true
	c.mu.Unlock()

	sample.ConnKey = c.selfKey
	return c.send(sample)
}

// applyRemote ingests a sample from another client. Invalid samples are
// dropped and logged, never applied; a sample carrying this connection's
// own key is ignored.
func (c *cursorChannel) applyRemote(sample CursorSample) {
	if sample.ConnKey == c.selfKey {
		return
	}
	if err := validateCursor(sample.X, sample.Y); err != nil {
		c.logger.Warn("Dropping invalid cursor sample", "from", sample.ConnKey, "error", err)
		return
	}
	c.mu.Lock()
	c.samples[sample.ConnKey] = sample
	c.mu.Unlock()
}

// forget removes the sample of a connection that left the board.
func (c *cursorChannel) forget(connKey string) {
	c.mu.Lock()
	delete(c.samples, connKey)
	c.mu.Unlock()
}

// snapshot returns a copy of the current cursor map keyed by connection key.
func (c *cursorChannel) snapshot() map[string]CursorSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CursorSample, len(c.samples))
	for k, v := range c.samples {
		out[k] = v
	}
	return out
}

// clear drops all samples, for teardown.
func (c *cursorChannel) clear() {
	c.mu.Lock()
	c.samples = make(map[string]CursorSample)
	c.hasSent = false
	c.mu.Unlock()
}
