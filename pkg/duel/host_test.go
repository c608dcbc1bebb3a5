package duel

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/park285/cheese-duel/internal/archive"
	"github.com/park285/cheese-duel/internal/assist"
	"github.com/park285/cheese-duel/internal/assist/mocks"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/sessionstore"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

type recordingArchive struct {
	mu      sync.Mutex
	results []archive.Result
}

func (r *recordingArchive) SaveResult(_ context.Context, res archive.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recordingArchive) all() []archive.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]archive.Result(nil), r.results...)
}

var (
	alice = sessiondto.Participant{ID: "alice", DisplayName: "Alice"}
	bob   = sessiondto.Participant{ID: "bob", DisplayName: "Bob"}
	carol = sessiondto.Participant{ID: "carol", DisplayName: "Carol"}
)

type HostTestSuite struct {
	suite.Suite
	ctx     context.Context
	cancel  context.CancelFunc
	clock   *clockwork.FakeClock
	archive *recordingArchive
	host    *Host
}

func (s *HostTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	s.archive = &recordingArchive{}
	h, err := Open(s.ctx, DefaultConfig(), WithClock(s.clock), WithArchiver(s.archive))
	s.Require().NoError(err)
	s.host = h
}

func (s *HostTestSuite) TearDownTest() {
	s.NoError(s.host.Close())
	s.cancel()
}

func TestHostSuite(t *testing.T) {
	suite.Run(t, new(HostTestSuite))
}

func (s *HostTestSuite) table(id string, p sessiondto.Participant) *Table {
	t, err := s.host.OpenTable(id, p)
	s.Require().NoError(err)
	go func() { _ = t.Run(s.ctx) }()
	s.waitView(t, func(v sessiondto.View) bool { return !v.Loading })
	return t
}

func (s *HostTestSuite) waitView(t *Table, cond func(sessiondto.View) bool) {
	s.Require().Eventually(func() bool { return cond(t.View()) }, 2*time.Second, 5*time.Millisecond, "last view: %+v", t.View())
}

func (s *HostTestSuite) play(mover, other *Table, from, to string) {
	s.Require().NoError(mover.Submit(s.ctx, sessiondto.MoveRequest{From: from, To: to}), from+to)
	s.waitView(other, func(v sessiondto.View) bool {
		return v.Status != "active" || v.PiecesDraggable
	})
}

func (s *HostTestSuite) TestCreateAndJoin() {
	id, err := s.host.Create(s.ctx, alice)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(id, "CH-"))

	v, err := s.host.View(s.ctx, id, alice)
	s.Require().NoError(err)
	s.Equal("waiting", v.Status)
	s.Equal("Waiting for an opponent to join...", v.StatusText)
	s.Equal(600, v.Clocks[0].Seconds)
	s.False(v.PiecesDraggable)

	resp, err := s.host.Join(s.ctx, id, bob)
	s.Require().NoError(err)
	s.Equal(sessiondto.JoinResponse{SessionID: id, Accepted: true, Activated: true, Color: "black"}, resp)

	again, err := s.host.Join(s.ctx, " "+id+" ", bob)
	s.Require().NoError(err)
	s.True(again.Accepted)
	s.False(again.Activated)

	resp, err = s.host.Join(s.ctx, id, carol)
	s.ErrorIs(err, sessiondto.ErrJoinFull)
	s.False(resp.Accepted)

	_, err = s.host.Join(s.ctx, "CH-NOPE00", carol)
	s.ErrorIs(err, sessiondto.ErrJoinNotFound)
	s.Equal("No session found for code CH-NOPE00.", err.Error())

	_, err = s.host.View(s.ctx, "CH-NOPE00", carol)
	s.ErrorIs(err, sessiondto.ErrJoinNotFound)
}

func (s *HostTestSuite) TestFullGameAndReset() {
	id, err := s.host.Create(s.ctx, alice)
	s.Require().NoError(err)
	_, err = s.host.Join(s.ctx, id, bob)
	s.Require().NoError(err)

	a, b := s.table(id, alice), s.table(id, bob)
	s.Equal("Alice's turn to move.", b.View().StatusText)

	err = b.Submit(s.ctx, sessiondto.MoveRequest{From: "e7", To: "e5"})
	s.ErrorIs(err, sessiondto.ErrNotYourTurn)

	s.play(a, b, "e2", "e4")
	s.Equal("b", b.View().Turn)
	s.play(b, a, "e7", "e5")
	s.play(a, b, "d1", "h5")
	s.play(b, a, "b8", "c6")
	s.play(a, b, "f1", "c4")
	s.play(b, a, "g8", "f6")
	s.play(a, b, "h5", "f7")

	s.waitView(b, func(v sessiondto.View) bool { return v.Status == "finished" })
	s.Equal("Checkmate! Alice wins.", b.View().StatusText)
	s.Equal("Alice", b.View().Winner)
	s.False(a.View().PiecesDraggable)

	s.host.CloseTable(a)
	results := s.archive.all()
	s.Require().Len(results, 1)
	s.Equal("white", results[0].Result)
	s.Equal("checkmate", results[0].Method)
	s.Equal(id, results[0].SessionID)

	err = s.host.Reset(s.ctx, id, carol)
	s.ErrorIs(err, sessiondto.ErrNotMember)

	s.Require().NoError(s.host.Reset(s.ctx, id, bob))
	s.waitView(b, func(v sessiondto.View) bool { return v.Status == "active" })
	v := b.View()
	s.Equal(rules.StartFEN, v.Position)
	s.Equal(600, v.Clocks[0].Seconds)
	s.Equal(600, v.Clocks[1].Seconds)
	s.Empty(v.Winner)
}

func (s *HostTestSuite) TestClosedHost() {
	s.Require().NoError(s.host.Close())
	s.Require().NoError(s.host.Close())

	_, err := s.host.Create(s.ctx, alice)
	s.ErrorIs(err, sessionstore.ErrClosed)
	_, err = s.host.OpenTable("CH-X", alice)
	s.ErrorIs(err, sessionstore.ErrClosed)
}

func (s *HostTestSuite) TestOpenTableRacingClose() {
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := s.host.OpenTable("CH-RACE", alice)
			if err != nil {
				errs <- err
				return
			}
			s.host.CloseTable(t)
		}()
	}
	s.Require().NoError(s.host.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		s.ErrorIs(err, sessionstore.ErrClosed)
	}

	_, err := s.host.OpenTable("CH-RACE", alice)
	s.ErrorIs(err, sessionstore.ErrClosed)
}

func (s *HostTestSuite) TestSuggestDisabled() {
	_, err := s.host.Suggest(s.ctx, "start")
	s.ErrorIs(err, ErrAssistDisabled)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeControlSec = 0
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.RedisURL = "mysql://nope"
	_, err = Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestRedisBackedHost(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	h, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer h.Close()

	id, err := h.Create(context.Background(), alice)
	require.NoError(t, err)
	resp, err := h.Join(context.Background(), id, bob)
	require.NoError(t, err)
	assert.True(t, resp.Activated)

	assert.Equal(t, "active", mr.HGet("duel:session:"+id, "status"))
	assert.Equal(t, 24*time.Hour, mr.TTL("duel:session:"+id))
}

func TestRelayBetweenHosts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server, err := Open(context.Background(), DefaultConfig(), WithRelayListener(ln))
	require.NoError(t, err)
	defer server.Close()
	require.NotEmpty(t, server.RelayAddr())

	cfg := DefaultConfig()
	cfg.RelayURL = "ws://" + server.RelayAddr()
	remote, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer remote.Close()

	id, err := remote.Create(context.Background(), alice)
	require.NoError(t, err)
	resp, err := server.Join(context.Background(), id, bob)
	require.NoError(t, err)
	assert.Equal(t, "black", resp.Color)

	v, err := remote.View(context.Background(), id, bob)
	require.NoError(t, err)
	assert.Equal(t, "active", v.Status)
	assert.Equal(t, "black", v.Orientation)
}

func TestHostSuggest(t *testing.T) {
	ctrl := gomock.NewController(t)
	sug := mocks.NewMockSuggester(ctrl)
	sug.EXPECT().Suggest(gomock.Any(), rules.StartFEN).Return(assist.Suggestion{Move: "g1f3", Explanation: "develop"}, nil)

	h, err := Open(context.Background(), DefaultConfig(), WithSuggester(sug))
	require.NoError(t, err)
	defer h.Close()

	played, err := h.Suggest(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "g1f3", played.Result.UCI)
	assert.Equal(t, "develop", played.Explanation)
}
