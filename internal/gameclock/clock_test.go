package gameclock

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

var t0 = time.Date(2025, 4, 19, 12, 0, 0, 0, time.UTC)

func snapshot(t *testing.T, status string, turn string, clocks map[string]int, lastMove time.Time) *session.Snapshot {
	t.Helper()
	pos := rules.StartFEN
	if turn == sessiondto.TurnBlack {
		pos = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	}
	players := map[string]sessiondto.PlayerProfile{"a": {DisplayName: "Alice", Slot: 0}}
	if _, ok := clocks["b"]; ok {
		players["b"] = sessiondto.PlayerProfile{DisplayName: "Bob", Slot: 1}
	}
	s, err := session.FromRecord(sessiondto.Record{
		ID:                "S1",
		Players:           players,
		Status:            status,
		Position:          pos,
		Turn:              turn,
		Clocks:            clocks,
		LastMoveTimestamp: lastMove.UnixMilli(),
		CreatedAt:         t0.UnixMilli(),
	}, lastMove)
	require.NoError(t, err)
	return s
}

func TestRemainingTicksOnlyOnMove(t *testing.T) {
	s := snapshot(t, "active", "w", map[string]int{"a": 600, "b": 600}, t0)
	now := t0.Add(30500 * time.Millisecond)
	assert.Equal(t, 570, Remaining(s, "a", now))
	assert.Equal(t, 600, Remaining(s, "b", now))
	assert.Equal(t, 0, Remaining(s, "nobody", now))
}

func TestRemainingNeverNegative(t *testing.T) {
	s := snapshot(t, "active", "b", map[string]int{"a": 600, "b": 5}, t0)
	assert.Equal(t, 0, Remaining(s, "b", t0.Add(time.Hour)))
}

func TestRemainingIgnoresFutureTimestamp(t *testing.T) {
	s := snapshot(t, "active", "w", map[string]int{"a": 600, "b": 600}, t0)
	assert.Equal(t, 600, Remaining(s, "a", t0.Add(-10*time.Second)))
}

func TestWaitingAndFinishedDoNotTick(t *testing.T) {
	w := snapshot(t, "waiting", "w", map[string]int{"a": 600}, t0)
	assert.Equal(t, 600, Remaining(w, "a", t0.Add(time.Hour)))

	f := snapshot(t, "finished", "w", map[string]int{"a": 100, "b": 200}, t0)
	assert.Equal(t, map[string]int{"a": 100, "b": 200}, Readings(f, t0.Add(time.Hour)))
}

func TestServiceExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	svc := New(clock)
	_, ok := svc.Expired()
	assert.False(t, ok, "no snapshot yet")

	svc.Sync(snapshot(t, "active", "w", map[string]int{"a": 3, "b": 600}, t0))
	_, ok = svc.Expired()
	assert.False(t, ok)

	clock.Advance(3 * time.Second)
	id, ok := svc.Expired()
	assert.True(t, ok)
	assert.Equal(t, "a", id)
	assert.Equal(t, 600, svc.Remaining("b"))
}

func TestServiceRunTicks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	svc := New(clock)
	svc.Sync(snapshot(t, "active", "w", map[string]int{"a": 600, "b": 600}, t0))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan map[string]int, 4)
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, func(r map[string]int) { got <- r })
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	select {
	case r := <-got:
		assert.Equal(t, 599, r["a"])
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
	cancel()
	<-done
}
