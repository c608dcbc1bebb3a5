package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-duel/pkg/sessiondto"
)

// Field paths of the record as stored by a session store.
const (
	FieldID         = "id"
	FieldStatus     = "status"
	FieldPosition   = "position"
	FieldTurn       = "turn"
	FieldLastMoveAt = "lastMoveTimestamp"
	FieldWinner     = "winner"
	FieldCreatedAt  = "createdAt"

	PlayersPrefix = "players/"
	ClocksPrefix  = "clocks/"
	SlotsPrefix   = "slots/"
)

// Patch is a set of field-scoped writes. Absent fields are left untouched by
// the store, so two writers touching disjoint fields never clobber each other.
//
// Claims are set-if-absent guards on slots/{n}; a store rejects the whole
// patch when any claimed slot is already held by another identity.
type Patch struct {
	ID          *string
	Status      *Status
	Position    *string
	Turn        *Color
	LastMoveAt  *time.Time
	Winner      *string
	ClearWinner bool
	CreatedAt   *time.Time
	Players     map[string]Player
	Clocks      map[string]int
	Claims      map[int]string
}

func (p Patch) Empty() bool {
	return p.ID == nil && p.Status == nil && p.Position == nil && p.Turn == nil &&
		p.LastMoveAt == nil && p.Winner == nil && !p.ClearWinner && p.CreatedAt == nil &&
		len(p.Players) == 0 && len(p.Clocks) == 0 && len(p.Claims) == 0
}

func (p *Patch) SetStatus(s Status)        { p.Status = &s }
func (p *Patch) SetPosition(fen string)    { p.Position = &fen }
func (p *Patch) SetTurn(c Color)           { p.Turn = &c }
func (p *Patch) SetLastMoveAt(t time.Time) { p.LastMoveAt = &t }

func (p *Patch) SetWinner(name string) {
	p.Winner = &name
	p.ClearWinner = false
}

func (p *Patch) DeleteWinner() {
	p.Winner = nil
	p.ClearWinner = true
}

func (p *Patch) SetPlayer(pl Player) {
	if p.Players == nil {
		p.Players = make(map[string]Player)
	}
	p.Players[pl.ID] = pl
}

func (p *Patch) SetClock(id string, seconds int) {
	if p.Clocks == nil {
		p.Clocks = make(map[string]int)
	}
	p.Clocks[id] = seconds
}

func (p *Patch) Claim(slot int, id string) {
	if p.Claims == nil {
		p.Claims = make(map[int]string)
	}
	p.Claims[slot] = id
}

// Fields flattens the patch into path writes and path deletions. Claims are
// reported separately by ClaimFields because they are conditional.
func (p Patch) Fields() (set map[string]string, del []string) {
	set = make(map[string]string)
	if p.ID != nil {
		set[FieldID] = *p.ID
	}
	if p.Status != nil {
		set[FieldStatus] = string(*p.Status)
	}
	if p.Position != nil {
		set[FieldPosition] = *p.Position
	}
	if p.Turn != nil {
		set[FieldTurn] = string(*p.Turn)
	}
	if p.LastMoveAt != nil {
		set[FieldLastMoveAt] = formatMillis(*p.LastMoveAt)
	}
	if p.CreatedAt != nil {
		set[FieldCreatedAt] = formatMillis(*p.CreatedAt)
	}
	if p.Winner != nil {
		set[FieldWinner] = *p.Winner
	} else if p.ClearWinner {
		del = append(del, FieldWinner)
	}
	for id, pl := range p.Players {
		b, _ := json.Marshal(sessiondto.PlayerProfile{DisplayName: pl.DisplayName, PhotoRef: pl.PhotoRef, Slot: pl.Slot})
		set[PlayersPrefix+id] = string(b)
	}
	for id, secs := range p.Clocks {
		set[ClocksPrefix+id] = strconv.Itoa(secs)
	}
	return set, del
}

// ClaimFields returns slots/{n} -> identity for each claim.
func (p Patch) ClaimFields() map[string]string {
	out := make(map[string]string, len(p.Claims))
	for slot, id := range p.Claims {
		out[SlotsPrefix+strconv.Itoa(slot)] = id
	}
	return out
}

// ParsePatch rebuilds a Patch from its flattened form.
func ParsePatch(set map[string]string, del []string, claims map[string]string) (Patch, error) {
	var p Patch
	for k, v := range set {
		switch {
		case k == FieldID:
			id := v
			p.ID = &id
		case k == FieldStatus:
			st := Status(v)
			if !st.Valid() {
				return Patch{}, fmt.Errorf("%w: status %q", ErrMalformed, v)
			}
			p.SetStatus(st)
		case k == FieldPosition:
			p.SetPosition(v)
		case k == FieldTurn:
			c := Color(v)
			if !c.Valid() {
				return Patch{}, fmt.Errorf("%w: turn %q", ErrMalformed, v)
			}
			p.SetTurn(c)
		case k == FieldLastMoveAt:
			t, err := parseMillis(v)
			if err != nil {
				return Patch{}, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
			}
			p.SetLastMoveAt(t)
		case k == FieldCreatedAt:
			t, err := parseMillis(v)
			if err != nil {
				return Patch{}, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
			}
			p.CreatedAt = &t
		case k == FieldWinner:
			p.SetWinner(v)
		case strings.HasPrefix(k, PlayersPrefix):
			pl, err := decodePlayer(strings.TrimPrefix(k, PlayersPrefix), v)
			if err != nil {
				return Patch{}, err
			}
			p.SetPlayer(pl)
		case strings.HasPrefix(k, ClocksPrefix):
			n, err := strconv.Atoi(v)
			if err != nil {
				return Patch{}, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
			}
			p.SetClock(strings.TrimPrefix(k, ClocksPrefix), n)
		default:
			return Patch{}, fmt.Errorf("%w: unknown field %q", ErrMalformed, k)
		}
	}
	for _, k := range del {
		if k != FieldWinner {
			return Patch{}, fmt.Errorf("%w: field %q cannot be deleted", ErrMalformed, k)
		}
		p.DeleteWinner()
	}
	for k, id := range claims {
		slot, err := parseSlotField(k)
		if err != nil {
			return Patch{}, err
		}
		p.Claim(slot, id)
	}
	return p, nil
}

func parseSlotField(k string) (int, error) {
	if !strings.HasPrefix(k, SlotsPrefix) {
		return 0, fmt.Errorf("%w: claim field %q", ErrMalformed, k)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(k, SlotsPrefix))
	if err != nil || n < 0 || n >= MaxPlayers {
		return 0, fmt.Errorf("%w: claim field %q", ErrMalformed, k)
	}
	return n, nil
}

func formatMillis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMillis(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("negative timestamp %d", n)
	}
	return time.UnixMilli(n), nil
}
