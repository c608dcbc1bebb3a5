package sessionstore

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/session"
)

// MemoryStore is an in-process Store with the same field-scoped merge and
// slot-claim semantics as RedisStore. Useful for single-process hosts and tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	records map[string]map[string]string
	subs    map[string]map[*Subscription]struct{}
	closed  bool
}

func NewMemory(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		records: make(map[string]map[string]string),
		subs:    make(map[string]map[*Subscription]struct{}),
	}
}

func (m *MemoryStore) Read(ctx context.Context, id string) (*session.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	fields, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	snap, err := session.FromFields(fields, m.clock.Now())
	if err != nil {
		return nil, true, err
	}
	return snap, true, nil
}

func (m *MemoryStore) Write(ctx context.Context, id string, p session.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Empty() {
		return nil
	}
	set, del := p.Fields()
	claims := p.ClaimFields()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec := m.records[id]
	for field, want := range claims {
		if cur, held := rec[field]; held && cur != want {
			return ErrClaimLost
		}
	}
	if rec == nil {
		rec = make(map[string]string, len(set)+len(claims))
		m.records[id] = rec
	}
	for k, v := range set {
		rec[k] = v
	}
	for k, v := range claims {
		rec[k] = v
	}
	for _, k := range del {
		delete(rec, k)
	}
	m.publishLocked(id)
	return nil
}

func (m *MemoryStore) publishLocked(id string) {
	subs := m.subs[id]
	if len(subs) == 0 {
		return
	}
	snap, err := session.FromFields(m.records[id], m.clock.Now())
	if err != nil {
		obslog.L().Warn("snapshot_skipped", zap.String("session", id), zap.Error(err))
		return
	}
	for sub := range subs {
		sub.Deliver(snap)
	}
}

func (m *MemoryStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var sub *Subscription
	var stopWatch func() bool
	sub = NewSubscription(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if stopWatch != nil {
			stopWatch()
		}
		delete(m.subs[id], sub)
	})
	if m.subs[id] == nil {
		m.subs[id] = make(map[*Subscription]struct{})
	}
	m.subs[id][sub] = struct{}{}
	stopWatch = context.AfterFunc(ctx, func() { sub.Fail(ctx.Err()) })

	if fields, ok := m.records[id]; ok {
		if snap, err := session.FromFields(fields, m.clock.Now()); err == nil {
			sub.Deliver(snap)
		}
	}
	return sub, nil
}

// Close ends every subscription; later calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*Subscription
	for _, subs := range m.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()
	for _, sub := range all {
		sub.Fail(ErrClosed)
	}
	return nil
}
