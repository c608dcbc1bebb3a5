package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

// Projector turns snapshots into render-ready views for one local participant.
type Projector struct {
	cat    *msgcat.Catalog
	engine rules.Engine
}

func NewProjector(cat *msgcat.Catalog, engine rules.Engine) *Projector {
	if cat == nil {
		cat = msgcat.Default()
	}
	return &Projector{cat: cat, engine: engine}
}

func (p *Projector) Catalog() *msgcat.Catalog { return p.cat }

// Loading is the view shown before the first snapshot arrives.
func (p *Projector) Loading(sessionID string) sessiondto.View {
	return sessiondto.View{
		SessionID:   sessionID,
		Loading:     true,
		StatusText:  p.cat.Text("status.loading", nil, "Loading..."),
		Orientation: White.Name(),
	}
}

// Project builds the view of s for local. remaining carries live clock
// values keyed by player id; missing entries fall back to stored clocks.
func (p *Projector) Project(s *Snapshot, local Participant, remaining map[string]int) sessiondto.View {
	if s == nil {
		return p.Loading("")
	}

	class := rules.Normal
	if p.engine != nil {
		c, err := p.engine.Classify(s.position)
		if err != nil {
			obslog.L().Warn("view_classify_failed", zap.String("session", s.id), zap.Error(err))
		} else {
			class = c
		}
	}

	orientation := White
	if c, ok := ColorOf(s, local.ID); ok {
		orientation = c
	}

	v := sessiondto.View{
		SessionID:       s.id,
		Status:          string(s.status),
		Orientation:     orientation.Name(),
		Position:        s.position,
		Turn:            string(s.turn),
		InCheck:         class == rules.Check || class == rules.Checkmate,
		PiecesDraggable: MayMove(s, local.ID),
	}
	if w, ok := s.Winner(); ok {
		v.Winner = w
	}
	v.StatusText = p.statusText(s, class)

	for _, pl := range s.Players() {
		if pl.Slot < 0 || pl.Slot >= len(v.Clocks) {
			continue
		}
		secs, ok := remaining[pl.ID]
		if !ok {
			secs, _ = s.Clock(pl.ID)
		}
		if secs < 0 {
			secs = 0
		}
		v.Clocks[pl.Slot] = sessiondto.ClockDisplay{
			PlayerID:    pl.ID,
			DisplayName: pl.DisplayName,
			Color:       pl.Color().Name(),
			Seconds:     secs,
			Text:        FormatClock(secs),
			Running:     s.status == StatusActive && pl.Color() == s.turn,
		}
	}
	return v
}

func (p *Projector) statusText(s *Snapshot, class rules.Classification) string {
	switch s.status {
	case StatusFinished:
		winner, ok := s.Winner()
		if !ok {
			return p.cat.Text("status.draw", nil, "It's a draw!")
		}
		data := map[string]any{"Winner": winner}
		if class == rules.Checkmate {
			return p.cat.Text("status.checkmate", data, "Checkmate! "+winner+" wins.")
		}
		return p.cat.Text("status.timeout", data, winner+" wins on time.")
	case StatusWaiting:
		return p.cat.Text("status.waiting", nil, "Waiting for an opponent to join...")
	}

	name := p.cat.Text("color."+s.turn.Name(), nil, s.turn.Name())
	if pl, ok := s.OnMove(); ok && pl.DisplayName != "" {
		name = pl.DisplayName
	}
	data := map[string]any{"Player": name}
	text := p.cat.Text("status.turn", data, name+"'s turn to move.")
	if class == rules.Check {
		text += p.cat.Text("status.check", data, " "+name+" is in check.")
	}
	return text
}

// FormatClock renders whole seconds as m:ss.
func FormatClock(secs int) string {
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
