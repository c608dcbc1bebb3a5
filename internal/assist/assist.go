// Package assist plays single-player moves suggested by an external
// text-generation service.
package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

const DefaultMaxAttempts = 3

var ErrExhausted = errors.New("assist: no legal suggestion")

// Suggestion is a move in UCI notation plus free-form reasoning.
type Suggestion struct {
	Move        string `json:"move"`
	Explanation string `json:"explanation"`
}

//go:generate mockgen -package=mocks -destination=mocks/mock_suggester.go github.com/park285/cheese-duel/internal/assist Suggester

type Suggester interface {
	Suggest(ctx context.Context, fen string) (Suggestion, error)
}

// Played is an accepted suggestion.
type Played struct {
	Move        rules.Move
	Result      rules.Result
	Explanation string
	Attempts    int
}

// ExhaustedError reports that every attempt failed. It matches both
// ErrExhausted and sessiondto.ErrAssistExhausted.
type ExhaustedError struct {
	Attempts int
	Last     error
	Message  string
}

func (e *ExhaustedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("%s after %d attempts", ErrExhausted, e.Attempts)
	}
	if e.Last != nil {
		return msg + ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted || sessiondto.ErrAssistExhausted.Is(target)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type Player struct {
	engine      rules.Engine
	suggester   Suggester
	maxAttempts int
	cat         *msgcat.Catalog
}

func NewPlayer(engine rules.Engine, s Suggester, maxAttempts int, cat *msgcat.Catalog) *Player {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Player{engine: engine, suggester: s, maxAttempts: maxAttempts, cat: cat}
}

// Play asks for a move in position until one is legal or the attempts run
// out. Illegal or unparsable suggestions and transport failures each use
// one attempt; context cancellation stops immediately.
func (p *Player) Play(ctx context.Context, position string) (Played, error) {
	position = rules.NormalizePosition(position)
	if c, err := p.engine.Classify(position); err != nil {
		return Played{}, err
	} else if c.Terminal() {
		return Played{}, sessiondto.ErrGameNotActive
	}

	var last error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Played{}, err
		}
		sug, err := p.suggester.Suggest(ctx, position)
		if err != nil {
			if ctx.Err() != nil {
				return Played{}, ctx.Err()
			}
			last = fmt.Errorf("suggest: %w", err)
			obslog.L().Warn("assist_suggest_failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		mv, err := rules.ParseMove(strings.TrimSpace(sug.Move))
		if err != nil {
			last = err
			obslog.L().Warn("assist_unparsable", zap.Int("attempt", attempt), zap.String("move", sug.Move))
			continue
		}
		res, err := p.engine.Apply(position, mv)
		if err != nil {
			last = err
			obslog.L().Warn("assist_illegal", zap.Int("attempt", attempt), zap.String("move", sug.Move))
			continue
		}
		obslog.L().Info("assist_played", zap.Int("attempt", attempt), zap.String("move", res.UCI))
		return Played{Move: mv, Result: res, Explanation: sug.Explanation, Attempts: attempt}, nil
	}

	return Played{}, &ExhaustedError{
		Attempts: p.maxAttempts,
		Last:     last,
		Message:  p.cat.Text("error."+sessiondto.CodeAssistExhausted, map[string]any{"Attempts": p.maxAttempts}, ""),
	}
}
