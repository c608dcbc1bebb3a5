// Package table runs the client side of one session: it owns the store
// subscription and the clock tickers, applies local moves, and publishes
// views from a single goroutine.
package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/archive"
	"github.com/park285/cheese-duel/internal/gameclock"
	"github.com/park285/cheese-duel/internal/moves"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

const archiveTimeout = 10 * time.Second

var ErrRunning = errors.New("table already running")

// Archiver receives finished games. Implemented by archive.Repository.
type Archiver interface {
	SaveResult(ctx context.Context, r archive.Result) error
}

// Resetter restarts a session. Implemented by registry.Registry.
type Resetter interface {
	Reset(ctx context.Context, id string, p session.Participant) (*session.Snapshot, error)
}

type Config struct {
	SessionID      string
	Local          session.Participant
	ResyncInterval time.Duration
	FlagFall       bool
	TimeControlSec int
}

type Deps struct {
	Store     sessionstore.Store
	Applier   *moves.Applier
	Resetter  Resetter
	Projector *session.Projector
	Clock     clockwork.Clock
	Archive   Archiver
}

// Stats counts recoveries since the table was created.
type Stats struct {
	StaleApplies int
	Resubscribes int
}

// pending is a locally applied move not yet echoed by the store.
type pending struct {
	snap         *session.Snapshot
	basePosition string
	at           time.Time
}

type Table struct {
	cfg        Config
	deps       Deps
	instanceID string
	clk        *gameclock.Service

	mu        sync.Mutex
	latest    *session.Snapshot
	pending   *pending
	view      sessiondto.View
	viewFns   []func(sessiondto.View)
	errFns    []func(error)
	flagSent  time.Time
	stats     Stats
	running   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}

	wake chan struct{}
	bg   sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Table, error) {
	if strings.TrimSpace(cfg.SessionID) == "" || strings.TrimSpace(cfg.Local.ID) == "" {
		return nil, fmt.Errorf("table: session id and local participant are required")
	}
	if deps.Store == nil || deps.Applier == nil || deps.Projector == nil {
		return nil, fmt.Errorf("table: store, applier and projector are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 30 * time.Second
	}
	t := &Table{
		cfg:        cfg,
		deps:       deps,
		instanceID: uuid.NewString(),
		clk:        gameclock.New(deps.Clock),
		wake:       make(chan struct{}, 1),
	}
	t.view = deps.Projector.Loading(cfg.SessionID)
	return t, nil
}

func (t *Table) SessionID() string { return t.cfg.SessionID }

// OnView registers fn for every published view. Callbacks run on the
// Run goroutine and must not block.
func (t *Table) OnView(fn func(sessiondto.View)) {
	t.mu.Lock()
	t.viewFns = append(t.viewFns, fn)
	t.mu.Unlock()
}

// OnError registers fn for recoverable problems (stale apply, subscription loss).
func (t *Table) OnError(fn func(error)) {
	t.mu.Lock()
	t.errFns = append(t.errFns, fn)
	t.mu.Unlock()
}

// View returns the most recently projected view.
func (t *Table) View() sessiondto.View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Move validates mv against the current state, writes the resulting patch
// and shows it speculatively until the store echoes it.
func (t *Table) Move(ctx context.Context, mv rules.Move) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.currentLocked()
	out, err := t.deps.Applier.Evaluate(snap, t.cfg.Local, mv)
	if err != nil {
		return err
	}
	if err := t.deps.Store.Write(ctx, t.cfg.SessionID, out.Patch); err != nil {
		return fmt.Errorf("write move: %w", err)
	}

	now := t.deps.Clock.Now()
	if speculative, serr := snap.Apply(out.Patch, now); serr == nil {
		t.pending = &pending{snap: speculative, basePosition: snap.Position(), at: *out.Patch.LastMoveAt}
	} else {
		obslog.L().Warn("speculation_skipped", zap.String("table", t.instanceID), zap.Error(serr))
	}
	t.clk.Sync(t.currentLocked())
	t.projectLocked()

	if out.Finished {
		winnerID := ""
		if out.Patch.Winner != nil {
			winnerID = out.Mover.ID
		}
		t.archiveAsync(archive.Build(snap, archive.Ending{
			FinalFEN:       out.Result.Position,
			WinnerID:       winnerID,
			Method:         out.Result.Method,
			TimeControlSec: t.cfg.TimeControlSec,
			EndedAt:        now,
		}))
	}
	t.wakeLocked()
	return nil
}

// Submit is Move for a board interaction.
func (t *Table) Submit(ctx context.Context, req sessiondto.MoveRequest) error {
	mv := rules.Move{From: strings.ToLower(strings.TrimSpace(req.From)), To: strings.ToLower(strings.TrimSpace(req.To)), Promotion: strings.ToLower(strings.TrimSpace(req.Promotion))}
	if err := mv.Validate(); err != nil {
		return session.Reject(t.deps.Projector.Catalog(), sessiondto.ErrIllegalMove, map[string]any{"Move": req.From + req.To + req.Promotion})
	}
	return t.Move(ctx, mv)
}

// Reset restarts the session for both players.
func (t *Table) Reset(ctx context.Context) error {
	if t.deps.Resetter == nil {
		return fmt.Errorf("table: reset not configured")
	}
	snap, err := t.deps.Resetter.Reset(ctx, t.cfg.SessionID, t.cfg.Local)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pending = nil
	t.flagSent = time.Time{}
	t.latest = snap
	t.clk.Sync(snap)
	t.projectLocked()
	t.wakeLocked()
	t.mu.Unlock()
	return nil
}

// Run drives the table until ctx is cancelled or Close is called. No
// callback fires after Run returns.
func (t *Table) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	t.running = true
	t.cancelRun = cancel
	t.runDone = make(chan struct{})
	done := t.runDone
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(done)
	}()

	log := obslog.L().With(zap.String("table", t.instanceID), zap.String("session", t.cfg.SessionID))
	t.publish(t.View(), nil)

	sub, err := t.subscribe(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	tick := t.clk.NewTicker()
	defer tick.Stop()
	resync := t.deps.Clock.NewTicker(t.cfg.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap := <-sub.C():
			t.onSnapshot(snap, log)

		case <-sub.Done():
			lossErr := sub.Err()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("subscription_loss", zap.Error(lossErr))
			t.dropSpeculation()
			t.publish(t.View(), []error{fmt.Errorf("subscription lost: %w", lossErr)})
			sub, err = t.subscribe(ctx, log)
			if err != nil {
				return err
			}
			t.mu.Lock()
			t.stats.Resubscribes++
			t.mu.Unlock()

		case <-tick.Chan():
			t.onTick(ctx, log)

		case <-resync.Chan():
			t.resync(ctx, log)

		case <-t.wake:
			t.mu.Lock()
			v := t.projectLocked()
			t.mu.Unlock()
			t.publish(v, nil)
		}
	}
}

// Close stops Run and waits for it and any archive writes to finish.
func (t *Table) Close() {
	t.mu.Lock()
	cancel, done := t.cancelRun, t.runDone
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	t.bg.Wait()
}

func (t *Table) subscribe(ctx context.Context, log *zap.Logger) (*sessionstore.Subscription, error) {
	for attempt := 1; ; attempt++ {
		sub, err := t.deps.Store.Subscribe(ctx, t.cfg.SessionID)
		if err == nil {
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("subscribe_failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.deps.Clock.After(backoffDuration(attempt)):
		}
	}
}

func (t *Table) onSnapshot(snap *session.Snapshot, log *zap.Logger) {
	var errs []error
	t.mu.Lock()
	t.latest = snap
	if p := t.pending; p != nil {
		switch {
		case snap.Position() == p.snap.Position():
			t.pending = nil
		case snap.Position() == p.basePosition && snap.LastMoveAt().Before(p.at):
			// the store has not caught up with our write yet
		default:
			t.pending = nil
			t.stats.StaleApplies++
			log.Warn("stale_apply",
				zap.String("expected", p.snap.Position()),
				zap.String("observed", snap.Position()),
				zap.Int("count", t.stats.StaleApplies),
			)
			errs = append(errs, sessiondto.ErrStaleApply)
		}
	}
	t.clk.Sync(t.currentLocked())
	v := t.projectLocked()
	t.mu.Unlock()
	t.publish(v, errs)
}

func (t *Table) onTick(ctx context.Context, log *zap.Logger) {
	t.mu.Lock()
	if t.cfg.FlagFall {
		t.checkFlagLocked(ctx, log)
	}
	v := t.projectLocked()
	t.mu.Unlock()
	t.publish(v, nil)
}

// checkFlagLocked writes a timeout result once per move when the on-move
// clock hits zero. Only seated players write it.
func (t *Table) checkFlagLocked(ctx context.Context, log *zap.Logger) {
	snap := t.currentLocked()
	if snap == nil || !snap.IsMember(t.cfg.Local.ID) {
		return
	}
	flagged, ok := t.clk.Expired()
	if !ok || t.flagSent.Equal(snap.LastMoveAt()) {
		return
	}
	patch, ok := session.FlagFallPatch(snap, flagged)
	if !ok {
		return
	}
	if err := t.deps.Store.Write(ctx, t.cfg.SessionID, patch); err != nil {
		log.Warn("flag_fall_write_failed", zap.Error(err))
		return
	}
	t.flagSent = snap.LastMoveAt()
	log.Info("flag_fall", zap.String("flagged_id", flagged), zap.String("winner", *patch.Winner))
	if flagged != t.cfg.Local.ID {
		winner, _ := snap.Opponent(flagged)
		t.archiveAsync(archive.Build(snap, archive.Ending{
			FinalFEN:       snap.Position(),
			WinnerID:       winner.ID,
			Method:         "timeout",
			TimeControlSec: t.cfg.TimeControlSec,
			EndedAt:        t.deps.Clock.Now(),
		}))
	}
}

func (t *Table) resync(ctx context.Context, log *zap.Logger) {
	snap, found, err := t.deps.Store.Read(ctx, t.cfg.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("resync_failed", zap.Error(err))
		}
		return
	}
	if !found {
		return
	}
	t.onSnapshot(snap, log)
}

func (t *Table) dropSpeculation() {
	t.mu.Lock()
	t.pending = nil
	t.clk.Sync(t.latest)
	t.mu.Unlock()
}

func (t *Table) currentLocked() *session.Snapshot {
	if t.pending != nil {
		return t.pending.snap
	}
	return t.latest
}

func (t *Table) projectLocked() sessiondto.View {
	snap := t.currentLocked()
	if snap == nil {
		t.view = t.deps.Projector.Loading(t.cfg.SessionID)
		return t.view
	}
	t.view = t.deps.Projector.Project(snap, t.cfg.Local, t.clk.Readings())
	return t.view
}

func (t *Table) publish(v sessiondto.View, errs []error) {
	t.mu.Lock()
	viewFns := append([]func(sessiondto.View){}, t.viewFns...)
	errFns := append([]func(error){}, t.errFns...)
	t.mu.Unlock()
	for _, e := range errs {
		for _, fn := range errFns {
			fn(e)
		}
	}
	for _, fn := range viewFns {
		fn(v)
	}
}

func (t *Table) wakeLocked() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Table) archiveAsync(r archive.Result) {
	if t.deps.Archive == nil {
		return
	}
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := t.deps.Archive.SaveResult(ctx, r); err != nil {
			obslog.L().Warn("archive_failed", zap.String("session", r.SessionID), zap.Error(err))
			return
		}
		obslog.L().Info("archive_saved", zap.String("session", r.SessionID), zap.String("result", r.Result))
	}()
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}
