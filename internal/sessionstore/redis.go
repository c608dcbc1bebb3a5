package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/session"
)

const claimAttempts = 5

// RedisStore keeps each record as a hash of field paths and announces
// writes on a per-session pub/sub channel.
type RedisStore struct {
	rdb        *redis.Client
	ttl        time.Duration
	clock      clockwork.Clock
	ownsClient bool
}

type RedisOption func(*RedisStore)

func WithClock(c clockwork.Clock) RedisOption { return func(s *RedisStore) { s.clock = c } }

// NewRedis wraps an existing client; ttl of zero disables expiry.
func NewRedis(rdb *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, ttl: ttl, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DialRedis connects using a redis:// or rediss:// URL and pings the server.
func DialRedis(ctx context.Context, rawURL string, ttl time.Duration, opts ...RedisOption) (*RedisStore, error) {
	o, err := ParseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewRedis(rdb, ttl, opts...)
	s.ownsClient = true
	return s, nil
}

func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}

func recordKey(id string) string  { return "duel:session:" + strings.TrimSpace(id) }
func channelKey(id string) string { return recordKey(id) + ":events" }

func (s *RedisStore) Read(ctx context.Context, id string) (*session.Snapshot, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	snap, err := session.FromFields(fields, s.clock.Now())
	if err != nil {
		return nil, true, fmt.Errorf("read session %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *RedisStore) Write(ctx context.Context, id string, p session.Patch) error {
	if p.Empty() {
		return nil
	}
	key := recordKey(id)
	set, del := p.Fields()
	claims := p.ClaimFields()

	commit := func(pipe redis.Pipeliner) {
		if len(set) > 0 || len(claims) > 0 {
			args := make([]any, 0, 2*(len(set)+len(claims)))
			for k, v := range set {
				args = append(args, k, v)
			}
			for k, v := range claims {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, key, args...)
		}
		if len(del) > 0 {
			pipe.HDel(ctx, key, del...)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.Publish(ctx, channelKey(id), strconv.FormatInt(s.clock.Now().UnixMilli(), 10))
	}

	if len(claims) == 0 {
		pipe := s.rdb.TxPipeline()
		commit(pipe)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("write session %s: %w", id, err)
		}
		return nil
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			for field, want := range claims {
				cur, err := tx.HGet(ctx, key, field).Result()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					return err
				}
				if cur != want {
					return ErrClaimLost
				}
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				commit(pipe)
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrClaimLost):
			return ErrClaimLost
		default:
			return fmt.Errorf("write session %s: %w", id, err)
		}
	}
	return ErrClaimLost
}

func (s *RedisStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := s.rdb.Subscribe(subCtx, channelKey(id))
	if _, err := ps.Receive(subCtx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe session %s: %w", id, err)
	}
	sub := NewSubscription(func() {
		cancel()
		_ = ps.Close()
	})
	go s.pump(subCtx, id, ps, sub)
	return sub, nil
}

func (s *RedisStore) pump(ctx context.Context, id string, ps *redis.PubSub, sub *Subscription) {
	s.refresh(ctx, id, sub)
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sub.Fail(ctx.Err())
				return
			}
			obslog.L().Warn("subscription_loss", zap.String("session", id), zap.Error(err))
			sub.Fail(err)
			return
		}
		switch msg.(type) {
		case *redis.Subscription, *redis.Message:
			// a resubscription after reconnect is treated like a change
			s.refresh(ctx, id, sub)
		}
	}
}

func (s *RedisStore) refresh(ctx context.Context, id string, sub *Subscription) {
	snap, found, err := s.Read(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			obslog.L().Warn("snapshot_skipped", zap.String("session", id), zap.Error(err))
		}
		return
	}
	if !found {
		return
	}
	sub.Deliver(snap)
}

func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.rdb.Close()
}
