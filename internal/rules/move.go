package rules

import (
	"fmt"
	"strings"
)

// Move is a board interaction expressed as squares. An empty Promotion means
// queen when the move turns out to be a promotion.
type Move struct {
	From      string
	To        string
	Promotion string
}

// ParseMove accepts long algebraic / UCI text such as "e2e4" or "a7a8n".
func ParseMove(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrBadMove, s)
	}
	mv := Move{From: s[0:2], To: s[2:4]}
	if len(s) == 5 {
		mv.Promotion = s[4:]
	}
	if err := mv.Validate(); err != nil {
		return Move{}, err
	}
	return mv, nil
}

func (m Move) Validate() error {
	if !validSquare(m.From) || !validSquare(m.To) {
		return fmt.Errorf("%w: squares %q %q", ErrBadMove, m.From, m.To)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: null move %q", ErrBadMove, m.From)
	}
	switch strings.ToLower(m.Promotion) {
	case "", "q", "r", "b", "n":
		return nil
	default:
		return fmt.Errorf("%w: promotion %q", ErrBadMove, m.Promotion)
	}
}

func (m Move) String() string {
	return strings.ToLower(m.From + m.To + m.Promotion)
}

// uciCandidates lists the notations to try in order; an unspecified
// promotion falls back to a queen.
func (m Move) uciCandidates() []string {
	base := strings.ToLower(m.From + m.To)
	if m.Promotion != "" {
		return []string{base + strings.ToLower(m.Promotion)}
	}
	return []string{base, base + "q"}
}

func validSquare(sq string) bool {
	sq = strings.ToLower(sq)
	if len(sq) != 2 {
		return false
	}
	return sq[0] >= 'a' && sq[0] <= 'h' && sq[1] >= '1' && sq[1] <= '8'
}
