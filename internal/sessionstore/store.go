// Package sessionstore replicates session records between participants.
// Writes are field-scoped and last-writer-wins; slot claims are the only
// conditional write.
package sessionstore

import (
	"context"
	"errors"
	"sync"

	"github.com/park285/cheese-duel/internal/session"
)

var (
	// ErrClaimLost is returned when a claimed slot is held by someone else.
	ErrClaimLost = errors.New("slot claim lost")
	ErrClosed    = errors.New("store closed")
)

type Store interface {
	// Read returns the current record; found is false when it does not exist.
	Read(ctx context.Context, id string) (snap *session.Snapshot, found bool, err error)
	// Write merges p into the record, creating it if needed.
	Write(ctx context.Context, id string, p session.Patch) error
	// Subscribe streams validated snapshots, starting with the current one.
	Subscribe(ctx context.Context, id string) (*Subscription, error)
	Close() error
}

// Subscription delivers snapshots for one session. Only the latest
// undelivered snapshot is kept. It ends on Close, on cancellation of the
// subscribing context, or on transport loss (Err reports which).
type Subscription struct {
	mu     sync.Mutex
	ch     chan *session.Snapshot
	done   chan struct{}
	closed bool
	err    error
	stop   func()
}

// NewSubscription is for Store implementations; stop runs once when the
// subscription ends.
func NewSubscription(stop func()) *Subscription {
	return &Subscription{
		ch:   make(chan *session.Snapshot, 1),
		done: make(chan struct{}),
		stop: stop,
	}
}

func (s *Subscription) C() <-chan *session.Snapshot { return s.ch }

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil after Close and non-nil after cancellation or loss.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.end(nil) }

// Fail ends the subscription with err (ErrClosed when nil).
func (s *Subscription) Fail(err error) {
	if err == nil {
		err = ErrClosed
	}
	s.end(err)
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.drainLocked()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Deliver replaces any pending snapshot with snap; false once ended.
func (s *Subscription) Deliver(snap *session.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.drainLocked()
	s.ch <- snap
	return true
}

func (s *Subscription) drainLocked() {
	select {
	case <-s.ch:
	default:
	}
}
