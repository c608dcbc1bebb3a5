// Package duel wires the session store, rules, clocks and optional
// services into a Host that applications embed.
package duel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/archive"
	"github.com/park285/cheese-duel/internal/assist"
	"github.com/park285/cheese-duel/internal/config"
	"github.com/park285/cheese-duel/internal/moves"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/registry"
	"github.com/park285/cheese-duel/internal/relay"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
	"github.com/park285/cheese-duel/internal/table"
	"github.com/park285/cheese-duel/pkg/sessiondto"
)

type (
	Config = config.AppConfig
	Table  = table.Table
	Played = assist.Played
)

var ErrAssistDisabled = errors.New("duel: assist is not configured")

// LoadConfig reads the environment. See config.Load.
func LoadConfig() (*Config, error) { return config.Load() }

func DefaultConfig() *Config { return config.Default() }

type Option func(*options)

type options struct {
	store     sessionstore.Store
	clock     clockwork.Clock
	suggester assist.Suggester
	archive   table.Archiver
	listener  net.Listener
}

// WithStore uses s instead of the store selected by the configuration.
// The host closes it.
func WithStore(s sessionstore.Store) Option { return func(o *options) { o.store = s } }

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithSuggester enables assist without ASSIST_URL.
func WithSuggester(s assist.Suggester) Option { return func(o *options) { o.suggester = s } }

// WithArchiver records finished games somewhere other than DATABASE_URL.
func WithArchiver(a table.Archiver) Option { return func(o *options) { o.archive = a } }

// WithRelayListener serves the relay on ln instead of listening on RelayAddr.
func WithRelayListener(ln net.Listener) Option { return func(o *options) { o.listener = ln } }

type Host struct {
	cfg       *Config
	clock     clockwork.Clock
	store     sessionstore.Store
	engine    rules.Engine
	cat       *msgcat.Catalog
	registry  *registry.Registry
	applier   *moves.Applier
	projector *session.Projector
	archive   table.Archiver
	repo      *archive.Repository
	assist    *assist.Player

	relay     *relay.Server
	relaySrv  *http.Server
	relayAddr string

	mu     sync.Mutex
	closed bool
	tables map[*Table]struct{}
}

// Open builds a Host from cfg. The store is Redis when RedisURL is set, a
// relay client when RelayURL is set, and in-process memory otherwise.
func Open(ctx context.Context, cfg *Config, opts ...Option) (_ *Host, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{cfg: cfg, clock: o.clock, engine: rules.NewEngine(), tables: make(map[*Table]struct{})}
	defer func() {
		if err != nil {
			_ = h.Close()
		}
	}()

	if cfg.MessagesDir != "" {
		if h.cat, err = msgcat.New(cfg.MessagesDir); err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
	} else {
		h.cat = msgcat.Default()
	}

	if h.store, err = openStore(ctx, cfg, o); err != nil {
		return nil, err
	}

	h.registry = registry.New(h.store, h.engine,
		registry.Config{TimeControl: cfg.TimeControl(), IDPrefix: cfg.SessionIDPrefix},
		registry.WithClock(h.clock), registry.WithCatalog(h.cat))
	h.applier = moves.NewApplier(h.engine, h.clock, h.cat)
	h.projector = session.NewProjector(h.cat, h.engine)

	h.archive = o.archive
	if h.archive == nil && cfg.DatabaseURL != "" {
		if h.repo, err = archive.NewRepository(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		if err = h.repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("archive schema: %w", err)
		}
		h.archive = h.repo
	}

	sug := o.suggester
	if sug == nil && cfg.AssistURL != "" {
		sug = assist.NewHTTP(cfg.AssistURL, assist.WithTimeout(cfg.AssistTimeout()))
	}
	if sug != nil {
		h.assist = assist.NewPlayer(h.engine, sug, cfg.AssistMaxAttempts, h.cat)
	}

	if o.listener != nil || cfg.RelayAddr != "" {
		if err = h.serveRelay(o.listener); err != nil {
			return nil, err
		}
	}

	obslog.L().Info("duel_open",
		zap.String("store", fmt.Sprintf("%T", h.store)),
		zap.Bool("archive", h.archive != nil),
		zap.Bool("assist", h.assist != nil),
		zap.String("relay", h.relayAddr),
	)
	return h, nil
}

func openStore(ctx context.Context, cfg *Config, o options) (sessionstore.Store, error) {
	switch {
	case o.store != nil:
		return o.store, nil
	case cfg.RedisURL != "":
		s, err := sessionstore.DialRedis(ctx, cfg.RedisURL, cfg.SessionTTL(), sessionstore.WithClock(o.clock))
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.RelayURL != "":
		c, err := relay.Dial(ctx, cfg.RelayURL, relay.WithClientClock(o.clock))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return sessionstore.NewMemory(o.clock), nil
	}
}

func (h *Host) serveRelay(ln net.Listener) error {
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", h.cfg.RelayAddr); err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
	}
	h.relay = relay.NewServer(h.store)
	h.relaySrv = &http.Server{Handler: h.relay, ReadHeaderTimeout: 10 * time.Second}
	h.relayAddr = ln.Addr().String()
	go func() {
		if err := h.relaySrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Error("relay_serve_failed", zap.Error(err))
		}
	}()
	return nil
}

// RelayAddr is the address the relay listens on, or "" when disabled.
func (h *Host) RelayAddr() string { return h.relayAddr }

// Create allocates a share code and seats p as White.
func (h *Host) Create(ctx context.Context, p sessiondto.Participant) (string, error) {
	if err := h.usable(); err != nil {
		return "", err
	}
	id, err := h.registry.NewID(ctx)
	if err != nil {
		return "", err
	}
	if _, err := h.registry.CreateOrGet(ctx, id, participant(p)); err != nil {
		return "", err
	}
	return id, nil
}

// Join seats p in the session. Rejections return the response and a
// sessiondto.DomainError together.
func (h *Host) Join(ctx context.Context, id string, p sessiondto.Participant) (sessiondto.JoinResponse, error) {
	resp := sessiondto.JoinResponse{SessionID: normalizeID(id)}
	if err := h.usable(); err != nil {
		return resp, err
	}
	res, err := h.registry.Join(ctx, resp.SessionID, participant(p))
	if err != nil {
		return resp, err
	}
	if rerr := res.Err(); rerr != nil {
		return resp, rerr
	}
	resp.Accepted = true
	resp.Activated = res.Activated
	resp.Color = res.Color.Name()
	return resp, nil
}

// OpenTable returns a table for p in session id. The caller drives it with
// Run; Host.Close stops any table still open.
func (h *Host) OpenTable(id string, p sessiondto.Participant) (*Table, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	t, err := table.New(table.Config{
		SessionID:      normalizeID(id),
		Local:          participant(p),
		ResyncInterval: h.cfg.ClockResync(),
		FlagFall:       h.cfg.ClockFlagFall,
		TimeControlSec: h.cfg.TimeControlSec,
	}, table.Deps{
		Store:     h.store,
		Applier:   h.applier,
		Resetter:  h.registry,
		Projector: h.projector,
		Clock:     h.clock,
		Archive:   h.archive,
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, sessionstore.ErrClosed
	}
	h.tables[t] = struct{}{}
	return t, nil
}

// CloseTable stops t and forgets it.
func (h *Host) CloseTable(t *Table) {
	t.Close()
	h.mu.Lock()
	delete(h.tables, t)
	h.mu.Unlock()
}

// Reset restarts session id for both players; p must be seated.
func (h *Host) Reset(ctx context.Context, id string, p sessiondto.Participant) error {
	if err := h.usable(); err != nil {
		return err
	}
	_, err := h.registry.Reset(ctx, normalizeID(id), participant(p))
	return err
}

// View reads session id once and projects it for p, without a table.
func (h *Host) View(ctx context.Context, id string, p sessiondto.Participant) (sessiondto.View, error) {
	if err := h.usable(); err != nil {
		return sessiondto.View{}, err
	}
	id = normalizeID(id)
	snap, found, err := h.store.Read(ctx, id)
	if err != nil {
		return sessiondto.View{}, err
	}
	if !found {
		return sessiondto.View{}, session.Reject(h.cat, sessiondto.ErrJoinNotFound, map[string]any{"SessionID": id})
	}
	return h.projector.Project(snap, participant(p), nil), nil
}

// Suggest asks the assist service for a legal move in position.
func (h *Host) Suggest(ctx context.Context, position string) (Played, error) {
	if h.assist == nil {
		return Played{}, ErrAssistDisabled
	}
	return h.assist.Play(ctx, position)
}

// Close stops open tables, the relay and the store. It is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	tables := make([]*Table, 0, len(h.tables))
	for t := range h.tables {
		tables = append(tables, t)
	}
	h.tables = nil
	h.mu.Unlock()

	for _, t := range tables {
		t.Close()
	}

	var errs []error
	if h.relaySrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = h.relay.Close()
		if err := h.relaySrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
		}
		cancel()
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if h.repo != nil {
		if err := h.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive close: %w", err))
		}
	}
	obslog.L().Info("duel_closed")
	return errors.Join(errs...)
}

func (h *Host) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return sessionstore.ErrClosed
	}
	return nil
}

func participant(p sessiondto.Participant) session.Participant {
	return session.Participant{
		ID:          strings.TrimSpace(p.ID),
		DisplayName: strings.TrimSpace(p.DisplayName),
		PhotoRef:    p.PhotoRef,
	}
}

func normalizeID(id string) string { return strings.TrimSpace(id) }
