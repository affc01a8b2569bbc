package boardsync

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCursor(t *testing.T) {
	tests := []struct {
		name    string
		x, y    float64
		wantErr bool
	}{
		{"center", 50, 50, false},
		{"lower bound", -100, -100, false},
		{"upper bound", 200, 200, false},
		{"x too large", 300, 50, true},
		{"y too small", 50, -500, true},
		{"NaN", math.NaN(), 0, true},
		{"positive infinity", math.Inf(1), 0, true},
		{"negative infinity", 0, math.Inf(-1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCursor(tt.x, tt.y)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCursor)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newTestCursorChannel(sent *[]CursorSample) (*cursorChannel, *time.Time) {
	clock := time.Unix(0, 0)
	ch := newCursorChannel("self", 50*time.Millisecond, 2.0, func(s CursorSample) error {
		*sent = append(*sent, s)
		return nil
	}, testLogger())
	ch.now = func() time.Time { return clock }
	return ch, &clock
}

func TestCursorChannel_ThrottleInterval(t *testing.T) {
	var sent []CursorSample
	ch, clock := newTestCursorChannel(&sent)

	require.NoError(t, ch.sendPosition(CursorSample{X: 10, Y: 10}))
	require.Len(t, sent, 1)

	// Inside the interval: suppressed without error, regardless of distance.
	*clock = clock.Add(10 * time.Millisecond)
	require.NoError(t, ch.sendPosition(CursorSample{X: 90, Y: 90}))
	require.Len(t, sent, 1)

	*clock = clock.Add(50 * time.Millisecond)
	require.NoError(t, ch.sendPosition(CursorSample{X: 90, Y: 90}))
	require.Len(t, sent, 2)
}

func TestCursorChannel_ThrottleDistance(t *testing.T) {
	var sent []CursorSample
	ch, clock := newTestCursorChannel(&sent)

	require.NoError(t, ch.sendPosition(CursorSample{X: 10, Y: 10}))
	require.Len(t, sent, 1)

	// Past the interval but under 2.0 units of movement: suppressed.
	*clock = clock.Add(time.Second)
	require.NoError(t, ch.sendPosition(CursorSample{X: 11, Y: 10}))
	require.Len(t, sent, 1)

	*clock = clock.Add(time.Second)
	require.NoError(t, ch.sendPosition(CursorSample{X: 13, Y: 10}))
	require.Len(t, sent, 2)
}

func TestCursorChannel_SendStampsSelfKey(t *testing.T) {
	var sent []CursorSample
	ch, _ := newTestCursorChannel(&sent)

	require.NoError(t, ch.sendPosition(CursorSample{ConnKey: "spoofed", X: 1, Y: 1}))
	require.Len(t, sent, 1)
	assert.Equal(t, "self", sent[0].ConnKey)
}

func TestCursorChannel_SendRejectsInvalid(t *testing.T) {
	var sent []CursorSample
	ch, _ := newTestCursorChannel(&sent)

	err := ch.sendPosition(CursorSample{X: 300, Y: 50})
	assert.ErrorIs(t, err, ErrInvalidCursor)
	assert.Empty(t, sent)
}

func TestCursorChannel_ApplyRemote(t *testing.T) {
	var sent []CursorSample
	ch, _ := newTestCursorChannel(&sent)

	ch.applyRemote(CursorSample{ConnKey: "peer", X: 50, Y: 50})
	samples := ch.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, 50.0, samples["peer"].X)

	// Invalid samples are dropped; the previous sample survives.
	ch.applyRemote(CursorSample{ConnKey: "peer", X: 300, Y: -500})
	assert.Equal(t, 50.0, ch.snapshot()["peer"].X)

	// A sample carrying our own key is ignored.
	ch.applyRemote(CursorSample{ConnKey: "self", X: 10, Y: 10})
	_, ok := ch.snapshot()["self"]
	assert.False(t, ok)
}

func TestCursorChannel_ForgetAndClear(t *testing.T) {
	var sent []CursorSample
	ch, _ := newTestCursorChannel(&sent)

	ch.applyRemote(CursorSample{ConnKey: "a", X: 1, Y: 1})
	ch.applyRemote(CursorSample{ConnKey: "b", X: 2, Y: 2})

	ch.forget("a")
	require.Len(t, ch.snapshot(), 1)

	ch.clear()
	assert.Empty(t, ch.snapshot())
}
