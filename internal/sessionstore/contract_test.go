package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func createPatch(id, creator string) session.Patch {
	var p session.Patch
	p.ID = &id
	p.SetStatus(session.StatusWaiting)
	p.SetPosition(rules.StartFEN)
	p.SetTurn(session.White)
	p.SetLastMoveAt(t0)
	created := t0
	p.CreatedAt = &created
	p.SetPlayer(session.Player{ID: creator, DisplayName: "Player " + creator, Slot: 0})
	p.SetClock(creator, 600)
	p.Claim(0, creator)
	return p
}

func joinPatch(id string) session.Patch {
	var p session.Patch
	p.SetPlayer(session.Player{ID: id, DisplayName: "Player " + id, Slot: 1})
	p.SetClock(id, 600)
	p.SetStatus(session.StatusActive)
	p.SetLastMoveAt(t0)
	p.Claim(1, id)
	return p
}

func nextSnapshot(t *testing.T, sub *Subscription) *session.Snapshot {
	t.Helper()
	select {
	case s := <-sub.C():
		return s
	case <-sub.Done():
		t.Fatalf("subscription ended: %v", sub.Err())
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return nil
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("read absent", func(t *testing.T) {
		s := newStore(t)
		_, found, err := s.Read(context.Background(), "CH-NONE00")
		if err != nil || found {
			t.Fatalf("expected absent record, found=%v err=%v", found, err)
		}
	})

	t.Run("create and join", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Write(ctx, "CH-AAA111", createPatch("CH-AAA111", "a")); err != nil {
			t.Fatalf("create: %v", err)
		}
		snap, found, err := s.Read(ctx, "CH-AAA111")
		if err != nil || !found {
			t.Fatalf("read: found=%v err=%v", found, err)
		}
		if snap.Status() != session.StatusWaiting || snap.PlayerCount() != 1 {
			t.Fatalf("unexpected record: %+v", snap.Record())
		}
		if err := s.Write(ctx, "CH-AAA111", joinPatch("b")); err != nil {
			t.Fatalf("join: %v", err)
		}
		snap, _, _ = s.Read(ctx, "CH-AAA111")
		if snap.Status() != session.StatusActive || snap.PlayerCount() != 2 {
			t.Fatalf("join not merged: %+v", snap.Record())
		}
	})

	t.Run("slot claim is conditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Write(ctx, "CH-BBB222", createPatch("CH-BBB222", "a")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Write(ctx, "CH-BBB222", joinPatch("b")); err != nil {
			t.Fatalf("join b: %v", err)
		}
		if err := s.Write(ctx, "CH-BBB222", joinPatch("c")); !errors.Is(err, ErrClaimLost) {
			t.Fatalf("expected ErrClaimLost, got %v", err)
		}
		if err := s.Write(ctx, "CH-BBB222", joinPatch("b")); err != nil {
			t.Fatalf("re-claim by holder should succeed: %v", err)
		}
		snap, _, _ := s.Read(ctx, "CH-BBB222")
		if snap.IsMember("c") {
			t.Fatalf("losing claim must not write any field")
		}
	})

	t.Run("field scoped merge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Write(ctx, "CH-CCC333", createPatch("CH-CCC333", "a"))
		_ = s.Write(ctx, "CH-CCC333", joinPatch("b"))

		var clockA, clockB session.Patch
		clockA.SetClock("a", 500)
		clockB.SetClock("b", 400)
		if err := s.Write(ctx, "CH-CCC333", clockA); err != nil {
			t.Fatal(err)
		}
		if err := s.Write(ctx, "CH-CCC333", clockB); err != nil {
			t.Fatal(err)
		}
		snap, _, _ := s.Read(ctx, "CH-CCC333")
		a, _ := snap.Clock("a")
		b, _ := snap.Clock("b")
		if a != 500 || b != 400 {
			t.Fatalf("disjoint writes clobbered: a=%d b=%d", a, b)
		}

		var fin session.Patch
		fin.SetStatus(session.StatusFinished)
		fin.SetWinner("Player a")
		_ = s.Write(ctx, "CH-CCC333", fin)
		var reset session.Patch
		reset.SetStatus(session.StatusActive)
		reset.DeleteWinner()
		_ = s.Write(ctx, "CH-CCC333", reset)
		snap, _, _ = s.Read(ctx, "CH-CCC333")
		if _, ok := snap.Winner(); ok {
			t.Fatalf("winner should be deleted")
		}
	})

	t.Run("subscribe delivers current and updates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Write(ctx, "CH-DDD444", createPatch("CH-DDD444", "a"))

		sub, err := s.Subscribe(ctx, "CH-DDD444")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()
		if snap := nextSnapshot(t, sub); snap.PlayerCount() != 1 {
			t.Fatalf("unexpected initial snapshot")
		}

		_ = s.Write(ctx, "CH-DDD444", joinPatch("b"))
		deadline := time.After(2 * time.Second)
		for {
			snap := nextSnapshot(t, sub)
			if snap.Status() == session.StatusActive {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("join never observed")
			default:
			}
		}
	})

	t.Run("malformed records are skipped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Write(ctx, "CH-EEE555", createPatch("CH-EEE555", "a"))
		sub, err := s.Subscribe(ctx, "CH-EEE555")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()
		nextSnapshot(t, sub)

		var bad session.Patch
		bad.SetStatus(session.StatusActive)
		if err := s.Write(ctx, "CH-EEE555", bad); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, _, err := s.Read(ctx, "CH-EEE555"); !errors.Is(err, session.ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
		select {
		case snap := <-sub.C():
			t.Fatalf("malformed snapshot delivered: %+v", snap.Record())
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("close and cancel end the subscription", func(t *testing.T) {
		s := newStore(t)
		_ = s.Write(context.Background(), "CH-FFF666", createPatch("CH-FFF666", "a"))

		sub, err := s.Subscribe(context.Background(), "CH-FFF666")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		sub.Close()
		sub.Close()
		<-sub.Done()
		if sub.Err() != nil {
			t.Fatalf("Close should leave Err nil, got %v", sub.Err())
		}

		ctx, cancel := context.WithCancel(context.Background())
		sub, err = s.Subscribe(ctx, "CH-FFF666")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		cancel()
		select {
		case <-sub.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("cancel did not end subscription")
		}
		if !errors.Is(sub.Err(), context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", sub.Err())
		}
	})
}
