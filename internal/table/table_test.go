package table

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/archive"
	"github.com/park285/cheese-duel/internal/moves"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/registry"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

type fakeArchive struct {
	mu      sync.Mutex
	results []archive.Result
}

func (f *fakeArchive) SaveResult(_ context.Context, r archive.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

func (f *fakeArchive) all() []archive.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archive.Result(nil), f.results...)
}

// flakyStore hands out subscriptions the test can break.
type flakyStore struct {
	sessionstore.Store
	mu   sync.Mutex
	subs []*sessionstore.Subscription
}

func (f *flakyStore) Subscribe(ctx context.Context, id string) (*sessionstore.Subscription, error) {
	sub, err := f.Store.Subscribe(ctx, id)
	if err == nil {
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()
	}
	return sub, err
}

func (f *flakyStore) breakLatest(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[len(f.subs)-1].Fail(err)
}

func (f *flakyStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type TableTestSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	clock    *clockwork.FakeClock
	store    *flakyStore
	registry *registry.Registry
	archive  *fakeArchive

	alice session.Participant
	bob   session.Participant
}

func (s *TableTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 4, 19, 12, 0, 0, 0, time.UTC))
	s.store = &flakyStore{Store: sessionstore.NewMemory(s.clock)}
	s.registry = registry.New(s.store, rules.NewEngine(), registry.Config{TimeControl: 10 * time.Minute}, registry.WithClock(s.clock))
	s.archive = &fakeArchive{}

	s.alice = session.Participant{ID: "a", DisplayName: "Alice"}
	s.bob = session.Participant{ID: "b", DisplayName: "Bob"}

	_, err := s.registry.CreateOrGet(s.ctx, "S1", s.alice)
	s.Require().NoError(err)
	_, err = s.registry.Join(s.ctx, "S1", s.bob)
	s.Require().NoError(err)
}

func (s *TableTestSuite) TearDownTest() {
	s.cancel()
	_ = s.store.Close()
}

func TestTableSuite(t *testing.T) {
	suite.Run(t, new(TableTestSuite))
}

func (s *TableTestSuite) newTable(local session.Participant, flagFall bool) *Table {
	engine := rules.NewEngine()
	tbl, err := New(Config{
		SessionID:      "S1",
		Local:          local,
		ResyncInterval: time.Hour,
		FlagFall:       flagFall,
		TimeControlSec: 600,
	}, Deps{
		Store:     s.store,
		Applier:   moves.NewApplier(engine, s.clock, nil),
		Resetter:  s.registry,
		Projector: session.NewProjector(msgcat.Default(), engine),
		Clock:     s.clock,
		Archive:   s.archive,
	})
	s.Require().NoError(err)
	return tbl
}

func (s *TableTestSuite) start(tbl *Table) {
	go func() { _ = tbl.Run(s.ctx) }()
	s.T().Cleanup(tbl.Close)
	s.waitView(tbl, func(v sessiondto.View) bool { return !v.Loading })
}

func (s *TableTestSuite) waitView(tbl *Table, cond func(sessiondto.View) bool) {
	s.Require().Eventually(func() bool { return cond(tbl.View()) }, 2*time.Second, 5*time.Millisecond, "view never matched: %+v", tbl.View())
}

func (s *TableTestSuite) move(tbl *Table, uci string) {
	mv, err := rules.ParseMove(uci)
	s.Require().NoError(err)
	s.Require().NoError(tbl.Move(s.ctx, mv), uci)
}

func (s *TableTestSuite) TestMoveReachesOpponent() {
	alice, bob := s.newTable(s.alice, false), s.newTable(s.bob, false)
	s.start(alice)
	s.start(bob)

	s.True(alice.View().PiecesDraggable)
	s.False(bob.View().PiecesDraggable)
	s.Equal("black", bob.View().Orientation)

	s.move(alice, "e2e4")
	s.False(alice.View().PiecesDraggable || alice.Stats().StaleApplies > 0)
	s.waitView(bob, func(v sessiondto.View) bool { return v.Turn == "b" && v.PiecesDraggable })
	s.Equal("Bob's turn to move.", bob.View().StatusText)
}

func (s *TableTestSuite) TestMoveUpdatesViewImmediately() {
	tbl := s.newTable(s.alice, false)
	snap, _, err := s.store.Read(s.ctx, "S1")
	s.Require().NoError(err)
	tbl.onSnapshot(snap, zap.NewNop())
	s.True(tbl.View().PiecesDraggable)

	s.move(tbl, "e2e4")
	v := tbl.View()
	s.Equal("b", v.Turn)
	s.False(v.PiecesDraggable)
	s.Equal("Bob's turn to move.", v.StatusText)
}

func (s *TableTestSuite) TestRejectsWithoutWriting() {
	alice, bob := s.newTable(s.alice, false), s.newTable(s.bob, false)
	s.start(alice)
	s.start(bob)

	err := bob.Move(s.ctx, rules.Move{From: "e7", To: "e5"})
	s.ErrorIs(err, sessiondto.ErrNotYourTurn)

	err = alice.Move(s.ctx, rules.Move{From: "e2", To: "e5"})
	s.ErrorIs(err, sessiondto.ErrIllegalMove)

	s.move(alice, "e2e4")
	err = alice.Move(s.ctx, rules.Move{From: "d2", To: "d4"})
	s.ErrorIs(err, sessiondto.ErrNotYourTurn, "speculative state must block a second move")
}

func (s *TableTestSuite) TestSubmitBoardInteraction() {
	alice := s.newTable(s.alice, false)
	s.start(alice)

	err := alice.Submit(s.ctx, sessiondto.MoveRequest{From: "e2", To: "z9"})
	s.ErrorIs(err, sessiondto.ErrIllegalMove)
	s.Equal("e2z9 is not a legal move.", err.Error())

	s.Require().NoError(alice.Submit(s.ctx, sessiondto.MoveRequest{From: " E2", To: "E4 "}))
	s.Equal("b", alice.View().Turn)
}

func (s *TableTestSuite) TestMoveWhileLoading() {
	tbl := s.newTable(s.alice, false)
	s.True(tbl.View().Loading)
	err := tbl.Move(s.ctx, rules.Move{From: "e2", To: "e4"})
	s.ErrorIs(err, sessiondto.ErrGameNotActive)
}

func (s *TableTestSuite) TestClockTicks() {
	alice := s.newTable(s.alice, false)
	s.start(alice)
	s.Require().NoError(s.clock.BlockUntilContext(s.ctx, 2))

	s.clock.Advance(time.Second)
	s.waitView(alice, func(v sessiondto.View) bool { return v.Clocks[0].Seconds == 599 })
	v := alice.View()
	s.True(v.Clocks[0].Running)
	s.Equal(600, v.Clocks[1].Seconds)
	s.Equal("9:59", v.Clocks[0].Text)
}

func (s *TableTestSuite) TestStaleApplyDropsSpeculation() {
	tbl := s.newTable(s.alice, false)
	var gotErr []error
	tbl.OnError(func(err error) { gotErr = append(gotErr, err) })

	snap, _, err := s.store.Read(s.ctx, "S1")
	s.Require().NoError(err)
	tbl.onSnapshot(snap, zap.NewNop())

	s.clock.Advance(time.Second)
	s.move(tbl, "e2e4")
	s.NotNil(tbl.pending)

	// the pre-move record echoed late keeps the speculation
	tbl.onSnapshot(snap, zap.NewNop())
	s.NotNil(tbl.pending)
	s.Equal(0, tbl.Stats().StaleApplies)

	// someone else's write won
	var other session.Patch
	other.SetPosition("rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq - 0 1")
	other.SetTurn(session.Black)
	other.SetLastMoveAt(s.clock.Now().Add(time.Second))
	diverged, err := snap.Apply(other, s.clock.Now())
	s.Require().NoError(err)
	tbl.onSnapshot(diverged, zap.NewNop())

	s.Nil(tbl.pending)
	s.Equal(1, tbl.Stats().StaleApplies)
	s.Equal(diverged.Position(), tbl.View().Position)
	s.Require().Len(gotErr, 1)
	s.ErrorIs(gotErr[0], sessiondto.ErrStaleApply)
}

func (s *TableTestSuite) TestResubscribesAfterLoss() {
	alice := s.newTable(s.alice, false)
	lost := make(chan error, 4)
	alice.OnError(func(err error) { lost <- err })
	s.start(alice)

	s.store.breakLatest(errors.New("connection reset"))
	s.Require().Eventually(func() bool { return alice.Stats().Resubscribes == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Equal(2, s.store.count())
	s.ErrorContains(<-lost, "connection reset")

	bob := s.newTable(s.bob, false)
	s.start(bob)
	s.move(alice, "e2e4")
	s.waitView(bob, func(v sessiondto.View) bool { return v.Turn == "b" })
	s.waitView(alice, func(v sessiondto.View) bool { return v.Turn == "b" && !v.PiecesDraggable })
}

func (s *TableTestSuite) TestCheckmateArchivesOnce() {
	alice, bob := s.newTable(s.alice, false), s.newTable(s.bob, false)
	s.start(alice)
	s.start(bob)

	s.move(alice, "f2f3")
	s.waitView(bob, func(v sessiondto.View) bool { return v.PiecesDraggable })
	s.move(bob, "e7e5")
	s.waitView(alice, func(v sessiondto.View) bool { return v.PiecesDraggable })
	s.move(alice, "g2g4")
	s.waitView(bob, func(v sessiondto.View) bool { return v.PiecesDraggable })
	s.move(bob, "d8h4")

	s.waitView(alice, func(v sessiondto.View) bool { return v.Status == "finished" })
	s.Equal("Checkmate! Bob wins.", alice.View().StatusText)
	s.True(alice.View().InCheck)

	bob.Close()
	results := s.archive.all()
	s.Require().Len(results, 1)
	s.Equal("black", results[0].Result)
	s.Equal("checkmate", results[0].Method)
	s.Equal("Alice", results[0].WhiteName)

	s.Require().NoError(alice.Reset(s.ctx))
	s.waitView(alice, func(v sessiondto.View) bool { return v.Status == "active" && v.PiecesDraggable })
	s.Equal(rules.StartFEN, alice.View().Position)
}

func (s *TableTestSuite) TestArchiveStartsAtReset() {
	alice, bob := s.newTable(s.alice, false), s.newTable(s.bob, false)
	s.start(alice)
	s.start(bob)

	s.clock.Advance(time.Hour)
	s.Require().NoError(alice.Reset(s.ctx))
	resetAt := s.clock.Now()
	s.waitView(bob, func(v sessiondto.View) bool { return v.Clocks[0].Seconds == 600 })

	s.clock.Advance(10 * time.Second)
	s.move(alice, "f2f3")
	s.waitView(bob, func(v sessiondto.View) bool { return v.PiecesDraggable })
	s.clock.Advance(5 * time.Second)
	s.move(bob, "e7e5")
	s.waitView(alice, func(v sessiondto.View) bool { return v.PiecesDraggable })
	s.clock.Advance(10 * time.Second)
	s.move(alice, "g2g4")
	s.waitView(bob, func(v sessiondto.View) bool { return v.PiecesDraggable })
	s.clock.Advance(5 * time.Second)
	s.move(bob, "d8h4")

	bob.Close()
	results := s.archive.all()
	s.Require().Len(results, 1)
	s.True(results[0].StartedAt.Equal(resetAt), "started %v, reset %v", results[0].StartedAt, resetAt)
	s.Equal(30*time.Second, results[0].Duration())
}

func (s *TableTestSuite) TestFlagFall() {
	bob := s.newTable(s.bob, true)
	s.start(bob)
	s.Require().NoError(s.clock.BlockUntilContext(s.ctx, 2))

	s.clock.Advance(601 * time.Second)
	s.waitView(bob, func(v sessiondto.View) bool { return v.Status == "finished" })
	s.Equal("Bob wins on time.", bob.View().StatusText)
	s.Equal(0, bob.View().Clocks[0].Seconds)

	bob.Close()
	results := s.archive.all()
	s.Require().Len(results, 1)
	s.Equal("timeout", results[0].Method)
	s.Equal("black", results[0].Result)
}

func (s *TableTestSuite) TestFlagFallOffByDefault() {
	alice := s.newTable(s.alice, false)
	s.start(alice)
	s.Require().NoError(s.clock.BlockUntilContext(s.ctx, 2))

	s.clock.Advance(700 * time.Second)
	s.waitView(alice, func(v sessiondto.View) bool { return v.Clocks[0].Seconds == 0 })
	s.Equal("active", alice.View().Status)
}

func (s *TableTestSuite) TestRunOnceAndCloseSilences() {
	alice := s.newTable(s.alice, false)
	var mu sync.Mutex
	calls := 0
	alice.OnView(func(sessiondto.View) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	s.start(alice)
	s.ErrorIs(alice.Run(s.ctx), ErrRunning)

	alice.Close()
	mu.Lock()
	before := calls
	mu.Unlock()
	s.clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	s.Equal(before, calls, "no callbacks after Close")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{SessionID: "S1", Local: session.Participant{ID: "a"}}, Deps{})
	require.Error(t, err)
}

func TestBackoffDuration(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, backoffDuration(0))
	require.Equal(t, 400*time.Millisecond, backoffDuration(3))
	require.Equal(t, 3200*time.Millisecond, backoffDuration(10))
}
