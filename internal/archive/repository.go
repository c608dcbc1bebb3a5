// Package archive records finished duels in Postgres.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-duel/internal/session"
)

const schema = `CREATE TABLE IF NOT EXISTS duel_results (
	session_id    TEXT        NOT NULL,
	white_id      TEXT        NOT NULL,
	white_name    TEXT        NOT NULL,
	black_id      TEXT        NOT NULL,
	black_name    TEXT        NOT NULL,
	result        TEXT        NOT NULL,
	result_method TEXT        NOT NULL,
	final_fen     TEXT        NOT NULL,
	pgn           TEXT        NOT NULL,
	time_control  INTEGER     NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT      NOT NULL,
	PRIMARY KEY (session_id, ended_at)
)`

// Result is one finished game. Result is white, black or draw.
type Result struct {
	SessionID      string
	WhiteID        string
	WhiteName      string
	BlackID        string
	BlackName      string
	Result         string
	Method         string
	FinalFEN       string
	TimeControlSec int
	StartedAt      time.Time
	EndedAt        time.Time
}

func (r Result) Duration() time.Duration {
	d := r.EndedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Ending describes how a game finished. WinnerID is a participant id;
// empty means a draw.
type Ending struct {
	FinalFEN       string
	WinnerID       string
	Method         string
	TimeControlSec int
	EndedAt        time.Time
}

// Build derives a Result from the pre-move snapshot of the finishing move.
func Build(snap *session.Snapshot, e Ending) Result {
	r := Result{
		SessionID:      snap.ID(),
		Method:         strings.ToLower(strings.TrimSpace(e.Method)),
		FinalFEN:       e.FinalFEN,
		TimeControlSec: e.TimeControlSec,
		StartedAt:      gameStart(snap, e.TimeControlSec),
		EndedAt:        e.EndedAt,
		Result:         "draw",
	}
	for _, p := range snap.Players() {
		if p.Color() == session.White {
			r.WhiteID, r.WhiteName = p.ID, p.DisplayName
		} else {
			r.BlackID, r.BlackName = p.ID, p.DisplayName
		}
		if e.WinnerID != "" && p.ID == e.WinnerID {
			r.Result = p.Color().Name()
		}
	}
	return r
}

// gameStart recovers when the current game began. Every move commits its
// elapsed seconds to the mover's clock, so the time spent before the last
// move is the sum of what both clocks have lost. A session is never older
// than its creation.
func gameStart(snap *session.Snapshot, timeControlSec int) time.Time {
	created := snap.CreatedAt()
	last := snap.LastMoveAt()
	if last.IsZero() || timeControlSec <= 0 {
		return created
	}
	spent := 0
	for _, p := range snap.Players() {
		if c, ok := snap.Clock(p.ID); ok && c < timeControlSec {
			spent += timeControlSec - c
		}
	}
	start := last.Add(-time.Duration(spent) * time.Second)
	if start.Before(created) {
		return created
	}
	return start
}

type Repository struct {
	db *sql.DB
}

func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// EnsureSchema creates the results table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a finished game keyed by (session_id, ended_at), so a
// session that is reset and replayed keeps one row per game.
func (r *Repository) SaveResult(ctx context.Context, res Result) error {
	if r == nil || r.db == nil {
		return nil
	}
	q := `INSERT INTO duel_results (
        session_id, white_id, white_name, black_id, black_name,
        result, result_method, final_fen, pgn, time_control,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
      ) ON CONFLICT (session_id, ended_at) DO UPDATE SET
        white_id=EXCLUDED.white_id,
        white_name=EXCLUDED.white_name,
        black_id=EXCLUDED.black_id,
        black_name=EXCLUDED.black_name,
        result=EXCLUDED.result,
        result_method=EXCLUDED.result_method,
        final_fen=EXCLUDED.final_fen,
        pgn=EXCLUDED.pgn,
        time_control=EXCLUDED.time_control,
        started_at=EXCLUDED.started_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		res.SessionID,
		res.WhiteID, res.WhiteName,
		res.BlackID, res.BlackName,
		res.Result, res.Method, res.FinalFEN, BuildPGN(res), res.TimeControlSec,
		res.StartedAt.UTC(), res.EndedAt.UTC(), res.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.SessionID, err)
	}
	return nil
}

func mapResultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders a header-only PGN whose FEN tag holds the final position.
func BuildPGN(res Result) string {
	date := res.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	pgnResult := mapResultToPGN(res.Result)
	var b strings.Builder
	b.WriteString("[Event \"Duel\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(res.SessionID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(res.WhiteName)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(res.BlackName)))
	if res.TimeControlSec > 0 {
		b.WriteString(fmt.Sprintf("[TimeControl \"%d\"]\n", res.TimeControlSec))
	}
	if res.Method != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(res.Method)))
	}
	b.WriteString("[SetUp \"1\"]\n")
	b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(res.FinalFEN)))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
