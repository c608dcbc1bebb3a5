package session

import (
	"time"

	"github.com/park285/cheese-duel/internal/rules"
)

// Resolve folds a post-move classification into p. Checkmate crowns the
// mover; stalemate and draws finish without a winner; anything else leaves
// status alone. It reports whether the game ended.
func Resolve(p *Patch, c rules.Classification, mover Player) bool {
	switch c {
	case rules.Checkmate:
		p.SetStatus(StatusFinished)
		p.SetWinner(mover.DisplayName)
		return true
	case rules.Stalemate, rules.Draw:
		p.SetStatus(StatusFinished)
		p.DeleteWinner()
		return true
	default:
		return false
	}
}

// ResetPatch restarts the game for whoever is seated: active with two
// players, waiting otherwise.
func ResetPatch(s *Snapshot, initialPosition string, allotment int, now time.Time) Patch {
	var p Patch
	if len(s.players) == MaxPlayers {
		p.SetStatus(StatusActive)
	} else {
		p.SetStatus(StatusWaiting)
	}
	p.SetPosition(initialPosition)
	p.SetTurn(White)
	p.SetLastMoveAt(now)
	p.DeleteWinner()
	for id := range s.players {
		p.SetClock(id, allotment)
	}
	return p
}

// FlagFallPatch ends an active game on time in favour of the opponent of
// the flagged player. It returns false when there is nothing to do.
func FlagFallPatch(s *Snapshot, flaggedID string) (Patch, bool) {
	if s == nil || s.status != StatusActive || !s.IsMember(flaggedID) {
		return Patch{}, false
	}
	winner, ok := s.Opponent(flaggedID)
	if !ok {
		return Patch{}, false
	}
	var p Patch
	p.SetStatus(StatusFinished)
	p.SetWinner(winner.DisplayName)
	p.SetClock(flaggedID, 0)
	return p, true
}
