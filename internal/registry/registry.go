// Package registry creates sessions and seats participants.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

const idAttempts = 5

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrNoID        = errors.New("failed to allocate session id")
)

// Outcome of a join attempt.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedFull
	RejectedNotFound
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedFull:
		return "rejected_full"
	default:
		return "rejected_not_found"
	}
}

type JoinResult struct {
	Outcome Outcome
	// Activated is true when this join filled the table.
	Activated bool
	Color     session.Color
	Snapshot  *session.Snapshot
	rejection error
}

// Err is nil for accepted joins and a sessiondto.DomainError otherwise.
func (r JoinResult) Err() error { return r.rejection }

type Config struct {
	TimeControl time.Duration
	IDPrefix    string
}

type Registry struct {
	store     sessionstore.Store
	engine    rules.Engine
	clock     clockwork.Clock
	cat       *msgcat.Catalog
	allotment int
	prefix    string
	codeGen   func(prefix string) (string, error)
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option                { return func(r *Registry) { r.clock = c } }
func WithCatalog(c *msgcat.Catalog) Option              { return func(r *Registry) { r.cat = c } }
func WithCodeGen(f func(string) (string, error)) Option { return func(r *Registry) { r.codeGen = f } }

func New(store sessionstore.Store, engine rules.Engine, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		engine:    engine,
		clock:     clockwork.NewRealClock(),
		allotment: int(cfg.TimeControl / time.Second),
		prefix:    cfg.IDPrefix,
		codeGen:   codeGen,
	}
	if r.allotment <= 0 {
		r.allotment = 600
	}
	if r.prefix == "" {
		r.prefix = "CH-"
	}
	for _, o := range opts {
		o(r)
	}
	if r.cat == nil {
		r.cat = msgcat.Default()
	}
	return r
}

// Allotment is the initial clock value in seconds.
func (r *Registry) Allotment() int { return r.allotment }

// NewID returns a share code not yet present in the store.
func (r *Registry) NewID(ctx context.Context) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id, err := r.codeGen(r.prefix)
		if err != nil {
			return "", err
		}
		_, found, err := r.store.Read(ctx, id)
		if err != nil && !errors.Is(err, session.ErrMalformed) {
			return "", err
		}
		if !found {
			return id, nil
		}
	}
	return "", ErrNoID
}

// CreateOrGet writes the initial waiting record with creator in slot 0, or
// returns the existing record unchanged.
func (r *Registry) CreateOrGet(ctx context.Context, id string, creator session.Participant) (*session.Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(creator.ID) == "" {
		return nil, ErrInvalidArgs
	}
	snap, found, err := r.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		return snap, nil
	}

	now := r.clock.Now()
	var p session.Patch
	p.ID = &id
	p.SetStatus(session.StatusWaiting)
	p.SetPosition(r.engine.InitialPosition())
	p.SetTurn(session.White)
	p.SetLastMoveAt(now)
	p.CreatedAt = &now
	p.SetPlayer(session.Player{ID: creator.ID, DisplayName: creator.DisplayName, PhotoRef: creator.PhotoRef, Slot: 0})
	p.SetClock(creator.ID, r.allotment)
	p.Claim(0, creator.ID)

	if err := r.store.Write(ctx, id, p); err != nil && !errors.Is(err, sessionstore.ErrClaimLost) {
		return nil, err
	}
	snap, found, err = r.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("session %s vanished after create", id)
	}
	obslog.L().Info("session_create", zap.String("session", id), zap.String("creator_id", creator.ID))
	return snap, nil
}

// Join seats p in the next free slot. A member rejoining is accepted
// without a write; a full or missing session is rejected without a write.
func (r *Registry) Join(ctx context.Context, id string, p session.Participant) (JoinResult, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(p.ID) == "" {
		return JoinResult{}, ErrInvalidArgs
	}
	snap, found, err := r.store.Read(ctx, id)
	if err != nil {
		return JoinResult{}, err
	}
	if !found {
		return r.reject(RejectedNotFound, id, nil), nil
	}
	if c, ok := session.ColorOf(snap, p.ID); ok {
		return JoinResult{Outcome: Accepted, Color: c, Snapshot: snap}, nil
	}
	count := snap.PlayerCount()
	if count >= session.MaxPlayers {
		return r.reject(RejectedFull, id, snap), nil
	}

	slot := count
	fills := slot+1 == session.MaxPlayers
	var patch session.Patch
	patch.SetPlayer(session.Player{ID: p.ID, DisplayName: p.DisplayName, PhotoRef: p.PhotoRef, Slot: slot})
	patch.SetClock(p.ID, r.allotment)
	patch.Claim(slot, p.ID)
	if fills {
		patch.SetStatus(session.StatusActive)
		patch.SetLastMoveAt(r.clock.Now())
	}

	if err := r.store.Write(ctx, id, patch); err != nil {
		if !errors.Is(err, sessionstore.ErrClaimLost) {
			return JoinResult{}, err
		}
		obslog.L().Info("session_join_race_lost", zap.String("session", id), zap.String("user_id", p.ID))
		latest, _, err := r.store.Read(ctx, id)
		if err != nil {
			return JoinResult{}, err
		}
		return r.reject(RejectedFull, id, latest), nil
	}

	latest, _, err := r.store.Read(ctx, id)
	if err != nil {
		return JoinResult{}, err
	}
	color := session.ColorForSlot(slot)
	obslog.L().Info("session_join",
		zap.String("session", id),
		zap.String("user_id", p.ID),
		zap.String("color", color.Name()),
		zap.Bool("activated", fills),
	)
	return JoinResult{Outcome: Accepted, Activated: fills, Color: color, Snapshot: latest}, nil
}

// Reset restarts the game. Only seated players may reset; any status is allowed.
func (r *Registry) Reset(ctx context.Context, id string, p session.Participant) (*session.Snapshot, error) {
	snap, found, err := r.store.Read(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, session.Reject(r.cat, sessiondto.ErrJoinNotFound, map[string]any{"SessionID": id})
	}
	if !snap.IsMember(p.ID) {
		return nil, session.Reject(r.cat, sessiondto.ErrNotMember, nil)
	}
	patch := session.ResetPatch(snap, r.engine.InitialPosition(), r.allotment, r.clock.Now())
	if err := r.store.Write(ctx, snap.ID(), patch); err != nil {
		return nil, err
	}
	obslog.L().Info("session_reset", zap.String("session", snap.ID()), zap.String("user_id", p.ID))
	latest, _, err := r.store.Read(ctx, snap.ID())
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (r *Registry) reject(o Outcome, id string, snap *session.Snapshot) JoinResult {
	base := sessiondto.ErrJoinFull
	if o == RejectedNotFound {
		base = sessiondto.ErrJoinNotFound
	}
	return JoinResult{
		Outcome:   o,
		Snapshot:  snap,
		rejection: session.Reject(r.cat, base, map[string]any{"SessionID": id}),
	}
}

// codeGen returns prefix + 6 upper alnum.
func codeGen(prefix string) (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return prefix + string(b), nil
}
