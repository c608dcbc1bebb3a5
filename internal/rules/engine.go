package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadMove     = errors.New("malformed move")
	ErrBadPosition = errors.New("invalid position")
)

// Classification is the verdict on a position for the side to move.
type Classification int

const (
	Normal Classification = iota
	Check
	Checkmate
	Stalemate
	Draw
)

func (c Classification) String() string {
	switch c {
	case Check:
		return "check"
	case Checkmate:
		return "checkmate"
	case Stalemate:
		return "stalemate"
	case Draw:
		return "draw"
	default:
		return "normal"
	}
}

// Terminal reports whether the position ends the game.
func (c Classification) Terminal() bool {
	return c == Checkmate || c == Stalemate || c == Draw
}

// Result is the outcome of applying a legal move.
type Result struct {
	Position       string
	Classification Classification
	Method         string
	SAN            string
	UCI            string
}

// Engine is the legality/board collaborator consumed by the session core.
//
//go:generate mockgen -package=mocks -destination=mocks/mock_engine.go github.com/park285/cheese-duel/internal/rules Engine
type Engine interface {
	IsLegal(position string, mv Move) bool
	Apply(position string, mv Move) (Result, error)
	Classify(position string) (Classification, error)
	InitialPosition() string
}

// ChessEngine implements Engine on top of corentings/chess.
type ChessEngine struct{}

func NewEngine() *ChessEngine { return &ChessEngine{} }

func (e *ChessEngine) InitialPosition() string { return StartFEN }

func (e *ChessEngine) IsLegal(position string, mv Move) bool {
	_, err := e.Apply(position, mv)
	return err == nil
}

func (e *ChessEngine) Apply(position string, mv Move) (Result, error) {
	if err := mv.Validate(); err != nil {
		return Result{}, err
	}
	game, err := loadGame(position)
	if err != nil {
		return Result{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return Result{}, fmt.Errorf("%w: game already decided", ErrIllegalMove)
	}
	before := game.Position()

	applied := ""
	for _, uci := range mv.uciCandidates() {
		if perr := game.PushNotationMove(uci, nchess.UCINotation{}, nil); perr == nil {
			applied = uci
			break
		}
	}
	if applied == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv.String())
	}

	res := Result{Position: game.FEN(), UCI: applied}
	if last := lastMove(game); last != nil {
		res.SAN = nchess.AlgebraicNotation{}.Encode(before, last)
	}
	res.Classification, res.Method = classifyGame(game)
	return res, nil
}

func (e *ChessEngine) Classify(position string) (Classification, error) {
	game, err := loadGame(position)
	if err != nil {
		return Normal, err
	}
	c, _ := classifyGame(game)
	return c, nil
}

// NormalizePosition maps the legacy "start"/"startpos" sentinels to a FEN.
func NormalizePosition(position string) string {
	p := strings.TrimSpace(position)
	switch strings.ToLower(p) {
	case "", "start", "startpos":
		return StartFEN
	}
	return p
}

// SideToMove returns "w" or "b" from a FEN.
func SideToMove(position string) (string, error) {
	fields := strings.Fields(NormalizePosition(position))
	if len(fields) < 2 {
		return "", fmt.Errorf("%w: missing side to move", ErrBadPosition)
	}
	switch fields[1] {
	case "w", "b":
		return fields[1], nil
	}
	return "", fmt.Errorf("%w: side to move %q", ErrBadPosition, fields[1])
}

func loadGame(position string) (*nchess.Game, error) {
	fen := NormalizePosition(position)
	if _, err := SideToMove(fen); err != nil {
		return nil, err
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return nchess.NewGame(option), nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func classifyGame(game *nchess.Game) (Classification, string) {
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		return Checkmate, methodName(game.Method())
	case nchess.Draw:
		if game.Method() == nchess.Stalemate {
			return Stalemate, methodName(game.Method())
		}
		return Draw, methodName(game.Method())
	}

	if game.Position().HalfMoveClock() >= 100 {
		return Draw, "fifty_move_rule"
	}
	if inCheck(game) {
		return Check, ""
	}
	return Normal, ""
}

// inCheck reads the check tag of the last move. A freshly loaded position
// has no history, so its board is inspected instead.
func inCheck(game *nchess.Game) bool {
	if last := lastMove(game); last != nil {
		return last.HasTag(nchess.Check)
	}
	pos := game.Position()
	return kingAttacked(pos.Board().SquareMap(), pos.Turn())
}

func methodName(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return "checkmate"
	case nchess.Stalemate:
		return "stalemate"
	}
	return strings.ToLower(m.String())
}
