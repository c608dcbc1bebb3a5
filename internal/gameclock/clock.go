// Package gameclock derives per-player remaining time from a session
// snapshot and the wall clock. Nothing here writes to the store.
package gameclock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-duel/internal/session"
)

// TickInterval is the local display refresh rate.
const TickInterval = time.Second

// Elapsed is whole seconds since the last move, activation or reset.
// A lastMoveTimestamp in the future (clock skew) counts as zero.
func Elapsed(snap *session.Snapshot, now time.Time) int {
	d := now.Sub(snap.LastMoveAt())
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Remaining returns the authoritative remaining seconds for id. Only the
// on-move player of an active session ticks; the result is never negative.
func Remaining(snap *session.Snapshot, id string, now time.Time) int {
	if snap == nil {
		return 0
	}
	stored, ok := snap.Clock(id)
	if !ok {
		return 0
	}
	if snap.Status() == session.StatusActive {
		if c, seated := session.ColorOf(snap, id); seated && c == snap.Turn() {
			stored -= Elapsed(snap, now)
		}
	}
	if stored < 0 {
		return 0
	}
	return stored
}

// Readings returns Remaining for every seated player.
func Readings(snap *session.Snapshot, now time.Time) map[string]int {
	if snap == nil {
		return nil
	}
	out := make(map[string]int, snap.PlayerCount())
	for _, p := range snap.Players() {
		out[p.ID] = Remaining(snap, p.ID, now)
	}
	return out
}

// Service tracks the latest snapshot and answers clock questions against
// an injected clock.
type Service struct {
	clock clockwork.Clock
	mu    sync.RWMutex
	snap  *session.Snapshot
}

func New(clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{clock: clock}
}

func (s *Service) Clock() clockwork.Clock { return s.clock }

// Sync rebases the service on a fresh snapshot.
func (s *Service) Sync(snap *session.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Service) Snapshot() *session.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) Readings() map[string]int {
	return Readings(s.Snapshot(), s.clock.Now())
}

func (s *Service) Remaining(id string) int {
	return Remaining(s.Snapshot(), id, s.clock.Now())
}

// Expired reports the on-move player of an active session whose time is up.
func (s *Service) Expired() (string, bool) {
	snap := s.Snapshot()
	if snap == nil || snap.Status() != session.StatusActive {
		return "", false
	}
	p, ok := snap.OnMove()
	if !ok {
		return "", false
	}
	if Remaining(snap, p.ID, s.clock.Now()) > 0 {
		return "", false
	}
	return p.ID, true
}

// NewTicker returns a TickInterval ticker on the service clock.
func (s *Service) NewTicker() clockwork.Ticker { return s.clock.NewTicker(TickInterval) }

// Run calls fn with fresh readings once per tick until ctx is done.
func (s *Service) Run(ctx context.Context, fn func(map[string]int)) {
	t := s.NewTicker()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			fn(s.Readings())
		}
	}
}
