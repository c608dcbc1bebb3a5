// Package session holds the shared session record model: validated
// snapshots, field-scoped patches, and the pure rules that derive one
// from the other.
package session

import (
	"sort"
	"time"

	"github.com/park285/cheese-duel/pkg/sessiondto"
)

type Status string

const (
	StatusWaiting  Status = sessiondto.StatusWaiting
	StatusActive   Status = sessiondto.StatusActive
	StatusFinished Status = sessiondto.StatusFinished
)

func (s Status) Valid() bool {
	return s == StatusWaiting || s == StatusActive || s == StatusFinished
}

// Color is the FEN side-to-move letter.
type Color string

const (
	White Color = sessiondto.TurnWhite
	Black Color = sessiondto.TurnBlack
)

func (c Color) Valid() bool { return c == White || c == Black }

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// Name is the lowercase color word used in views and logs.
func (c Color) Name() string {
	if c == Black {
		return "black"
	}
	return "white"
}

// MaxPlayers is the seat count of a chess table.
const MaxPlayers = 2

// Participant is the local identity supplied by the host.
type Participant struct {
	ID          string
	DisplayName string
	PhotoRef    string
}

// Player is a seated participant. Slot 0 plays White.
type Player struct {
	ID          string
	DisplayName string
	PhotoRef    string
	Slot        int
}

func (p Player) Color() Color { return ColorForSlot(p.Slot) }

// Snapshot is an immutable, validated observation of a session record.
// Build one with FromRecord or FromFields.
type Snapshot struct {
	id         string
	status     Status
	position   string
	turn       Color
	players    map[string]Player
	clocks     map[string]int
	lastMoveAt time.Time
	winner     string
	hasWinner  bool
	createdAt  time.Time
	observedAt time.Time
}

func (s *Snapshot) ID() string            { return s.id }
func (s *Snapshot) Status() Status        { return s.status }
func (s *Snapshot) Position() string      { return s.position }
func (s *Snapshot) Turn() Color           { return s.turn }
func (s *Snapshot) LastMoveAt() time.Time { return s.lastMoveAt }
func (s *Snapshot) CreatedAt() time.Time  { return s.createdAt }
func (s *Snapshot) ObservedAt() time.Time { return s.observedAt }
func (s *Snapshot) PlayerCount() int      { return len(s.players) }

func (s *Snapshot) Winner() (string, bool) { return s.winner, s.hasWinner }

func (s *Snapshot) Player(id string) (Player, bool) {
	p, ok := s.players[id]
	return p, ok
}

func (s *Snapshot) IsMember(id string) bool {
	_, ok := s.players[id]
	return ok
}

// Players returns the seated players ordered by slot.
func (s *Snapshot) Players() []Player {
	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (s *Snapshot) PlayerBySlot(slot int) (Player, bool) {
	for _, p := range s.players {
		if p.Slot == slot {
			return p, true
		}
	}
	return Player{}, false
}

// OnMove returns the player whose color equals the turn.
func (s *Snapshot) OnMove() (Player, bool) {
	for _, p := range s.players {
		if p.Color() == s.turn {
			return p, true
		}
	}
	return Player{}, false
}

// Opponent returns the other seated player.
func (s *Snapshot) Opponent(id string) (Player, bool) {
	for pid, p := range s.players {
		if pid != id {
			return p, true
		}
	}
	return Player{}, false
}

// Clock returns the stored remaining seconds for a player.
func (s *Snapshot) Clock(id string) (int, bool) {
	v, ok := s.clocks[id]
	return v, ok
}
