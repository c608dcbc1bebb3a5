// Package moves turns a proposed board move into an authoritative patch.
package moves

import (
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/gameclock"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

// Outcome describes an accepted move alongside its patch.
type Outcome struct {
	Patch          session.Patch
	Result         rules.Result
	Mover          session.Player
	Finished       bool
	ElapsedSeconds int
}

type Applier struct {
	engine rules.Engine
	clock  clockwork.Clock
	cat    *msgcat.Catalog
}

func NewApplier(engine rules.Engine, clock clockwork.Clock, cat *msgcat.Catalog) *Applier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cat == nil {
		cat = msgcat.Default()
	}
	return &Applier{engine: engine, clock: clock, cat: cat}
}

// Apply validates mv against snap for participant p and returns the patch
// to write. Rejections are sessiondto.DomainError values and carry no patch.
func (a *Applier) Apply(snap *session.Snapshot, p session.Participant, mv rules.Move) (session.Patch, error) {
	out, err := a.Evaluate(snap, p, mv)
	if err != nil {
		return session.Patch{}, err
	}
	return out.Patch, nil
}

// Evaluate is Apply with the engine result and termination details exposed.
func (a *Applier) Evaluate(snap *session.Snapshot, p session.Participant, mv rules.Move) (Outcome, error) {
	if snap == nil || snap.Status() != session.StatusActive {
		return Outcome{}, session.Reject(a.cat, sessiondto.ErrGameNotActive, nil)
	}
	if !session.MayMove(snap, p.ID) {
		return Outcome{}, session.Reject(a.cat, sessiondto.ErrNotYourTurn, nil)
	}
	mover, _ := snap.Player(p.ID)

	res, err := a.engine.Apply(snap.Position(), mv)
	if err != nil {
		if !errors.Is(err, rules.ErrIllegalMove) && !errors.Is(err, rules.ErrBadMove) {
			obslog.L().Warn("move_engine_error", zap.String("session", snap.ID()), zap.Error(err))
		}
		return Outcome{}, session.Reject(a.cat, sessiondto.ErrIllegalMove, map[string]any{"Move": mv.String()})
	}

	now := a.clock.Now()
	elapsed := gameclock.Elapsed(snap, now)
	remaining := gameclock.Remaining(snap, p.ID, now)

	var patch session.Patch
	patch.SetPosition(res.Position)
	patch.SetTurn(snap.Turn().Opposite())
	patch.SetLastMoveAt(now)
	patch.SetClock(p.ID, remaining)
	finished := session.Resolve(&patch, res.Classification, mover)

	obslog.L().Info("move_applied",
		zap.String("session", snap.ID()),
		zap.String("user_id", p.ID),
		zap.String("move", res.UCI),
		zap.String("san", res.SAN),
		zap.String("classification", res.Classification.String()),
		zap.Int("clock", remaining),
	)
	return Outcome{
		Patch:          patch,
		Result:         res,
		Mover:          mover,
		Finished:       finished,
		ElapsedSeconds: elapsed,
	}, nil
}
