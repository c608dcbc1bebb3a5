package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

// ErrMalformed marks a record that fails schema validation. Callers keep
// their prior state and drop the offending snapshot.
var ErrMalformed = errors.New("malformed session record")

// FromRecord validates a wire record and freezes it into a Snapshot.
func FromRecord(rec sessiondto.Record, observedAt time.Time) (*Snapshot, error) {
	s := &Snapshot{
		id:         strings.TrimSpace(rec.ID),
		status:     Status(rec.Status),
		position:   rules.NormalizePosition(rec.Position),
		turn:       Color(rec.Turn),
		players:    make(map[string]Player, len(rec.Players)),
		clocks:     make(map[string]int, len(rec.Clocks)),
		lastMoveAt: time.UnixMilli(rec.LastMoveTimestamp),
		createdAt:  time.UnixMilli(rec.CreatedAt),
		observedAt: observedAt,
	}
	if rec.LastMoveTimestamp < 0 || rec.CreatedAt < 0 {
		return nil, fmt.Errorf("%w: negative timestamp", ErrMalformed)
	}
	for id, prof := range rec.Players {
		s.players[id] = Player{ID: id, DisplayName: prof.DisplayName, PhotoRef: prof.PhotoRef, Slot: prof.Slot}
	}
	for id, secs := range rec.Clocks {
		s.clocks[id] = secs
	}
	if rec.Winner != nil {
		s.winner, s.hasWinner = *rec.Winner, true
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromFields decodes the flattened path form used by field-scoped stores.
// Unknown paths are rejected; slots/{n} claims are guards and are skipped.
func FromFields(fields map[string]string, observedAt time.Time) (*Snapshot, error) {
	rec := sessiondto.Record{
		Players: make(map[string]sessiondto.PlayerProfile),
		Clocks:  make(map[string]int),
	}
	var err error
	for k, v := range fields {
		switch {
		case k == FieldID:
			rec.ID = v
		case k == FieldStatus:
			rec.Status = v
		case k == FieldPosition:
			rec.Position = v
		case k == FieldTurn:
			rec.Turn = v
		case k == FieldWinner:
			w := v
			rec.Winner = &w
		case k == FieldLastMoveAt:
			rec.LastMoveTimestamp, err = strconv.ParseInt(v, 10, 64)
		case k == FieldCreatedAt:
			rec.CreatedAt, err = strconv.ParseInt(v, 10, 64)
		case strings.HasPrefix(k, PlayersPrefix):
			var pl Player
			pl, err = decodePlayer(strings.TrimPrefix(k, PlayersPrefix), v)
			rec.Players[pl.ID] = sessiondto.PlayerProfile{DisplayName: pl.DisplayName, PhotoRef: pl.PhotoRef, Slot: pl.Slot}
		case strings.HasPrefix(k, ClocksPrefix):
			var n int
			n, err = strconv.Atoi(v)
			rec.Clocks[strings.TrimPrefix(k, ClocksPrefix)] = n
		case strings.HasPrefix(k, SlotsPrefix):
		default:
			return nil, fmt.Errorf("%w: unknown field %q", ErrMalformed, k)
		}
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
		}
	}
	return FromRecord(rec, observedAt)
}

// Record converts back to the wire shape.
func (s *Snapshot) Record() sessiondto.Record {
	rec := sessiondto.Record{
		ID:                s.id,
		Players:           make(map[string]sessiondto.PlayerProfile, len(s.players)),
		Status:            string(s.status),
		Position:          s.position,
		Turn:              string(s.turn),
		Clocks:            make(map[string]int, len(s.clocks)),
		LastMoveTimestamp: s.lastMoveAt.UnixMilli(),
		CreatedAt:         s.createdAt.UnixMilli(),
	}
	for id, p := range s.players {
		rec.Players[id] = sessiondto.PlayerProfile{DisplayName: p.DisplayName, PhotoRef: p.PhotoRef, Slot: p.Slot}
	}
	for id, secs := range s.clocks {
		rec.Clocks[id] = secs
	}
	if s.hasWinner {
		w := s.winner
		rec.Winner = &w
	}
	return rec
}

// Fields returns the full flattened form of the snapshot.
func (s *Snapshot) Fields() map[string]string {
	var p Patch
	id, pos, st, turn := s.id, s.position, s.status, s.turn
	p.ID, p.Position, p.Status, p.Turn = &id, &pos, &st, &turn
	p.SetLastMoveAt(s.lastMoveAt)
	created := s.createdAt
	p.CreatedAt = &created
	if s.hasWinner {
		p.SetWinner(s.winner)
	}
	for _, pl := range s.players {
		p.SetPlayer(pl)
	}
	for id, secs := range s.clocks {
		p.SetClock(id, secs)
	}
	set, _ := p.Fields()
	return set
}

func (s *Snapshot) validate() error {
	if s.id == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if !s.status.Valid() {
		return fmt.Errorf("%w: status %q", ErrMalformed, s.status)
	}
	if !s.turn.Valid() {
		return fmt.Errorf("%w: turn %q", ErrMalformed, s.turn)
	}
	side, err := rules.SideToMove(s.position)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if Color(side) != s.turn {
		return fmt.Errorf("%w: turn %q disagrees with position", ErrMalformed, s.turn)
	}

	if len(s.players) > MaxPlayers {
		return fmt.Errorf("%w: %d players", ErrMalformed, len(s.players))
	}
	seen := make(map[int]string, len(s.players))
	for id, p := range s.players {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty player id", ErrMalformed)
		}
		if p.Slot < 0 || p.Slot >= len(s.players) {
			return fmt.Errorf("%w: player %s slot %d out of range", ErrMalformed, id, p.Slot)
		}
		if other, dup := seen[p.Slot]; dup {
			return fmt.Errorf("%w: players %s and %s share slot %d", ErrMalformed, other, id, p.Slot)
		}
		seen[p.Slot] = id
	}

	if len(s.clocks) != len(s.players) {
		return fmt.Errorf("%w: clocks do not match players", ErrMalformed)
	}
	for id, secs := range s.clocks {
		if _, ok := s.players[id]; !ok {
			return fmt.Errorf("%w: clock for non-player %s", ErrMalformed, id)
		}
		if secs < 0 {
			return fmt.Errorf("%w: negative clock for %s", ErrMalformed, id)
		}
	}

	switch s.status {
	case StatusActive:
		if len(s.players) != MaxPlayers {
			return fmt.Errorf("%w: active with %d players", ErrMalformed, len(s.players))
		}
	case StatusWaiting:
		if len(s.players) == MaxPlayers {
			return fmt.Errorf("%w: waiting with a full table", ErrMalformed)
		}
	}
	if s.hasWinner && s.status != StatusFinished {
		return fmt.Errorf("%w: winner on %s session", ErrMalformed, s.status)
	}
	return nil
}

func decodePlayer(id, raw string) (Player, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Player{}, fmt.Errorf("%w: empty player id", ErrMalformed)
	}
	var prof sessiondto.PlayerProfile
	if err := json.Unmarshal([]byte(raw), &prof); err != nil {
		return Player{}, fmt.Errorf("%w: player %s: %v", ErrMalformed, id, err)
	}
	return Player{ID: id, DisplayName: prof.DisplayName, PhotoRef: prof.PhotoRef, Slot: prof.Slot}, nil
}

// Apply returns a new snapshot with p merged in. Claims are ignored.
func (s *Snapshot) Apply(p Patch, observedAt time.Time) (*Snapshot, error) {
	fields := s.Fields()
	set, del := p.Fields()
	for k, v := range set {
		fields[k] = v
	}
	for _, k := range del {
		delete(fields, k)
	}
	return FromFields(fields, observedAt)
}
