package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
)

var ErrDisconnected = errors.New("relay: connection lost")

// Client is a sessionstore.Store backed by a relay Server. The connection
// is dialed lazily and redialed on the next call after it drops; open
// subscriptions end with ErrDisconnected so callers resubscribe.
type Client struct {
	url          string
	headers      func() map[string]string
	clock        clockwork.Clock
	dialTimeout  time.Duration
	pingInterval time.Duration

	mu      sync.Mutex
	conn    *connection
	closed  bool
	dialing chan struct{}
}

type ClientOption func(*Client)

func WithHeaderProvider(h func() map[string]string) ClientOption {
	return func(c *Client) { c.headers = h }
}

func WithClientClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pingInterval = d }
}

var _ sessionstore.Store = (*Client)(nil)

func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:          strings.TrimSpace(url),
		clock:        clockwork.NewRealClock(),
		dialTimeout:  10 * time.Second,
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial returns a client with its first connection established.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := NewClient(url, opts...)
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Read(ctx context.Context, id string) (*session.Snapshot, bool, error) {
	res, err := c.call(ctx, frame{Op: opRead, Session: id})
	if err != nil {
		return nil, res.Found, err
	}
	if !res.Found {
		return nil, false, nil
	}
	snap, err := session.FromFields(res.Fields, c.clock.Now())
	if err != nil {
		return nil, true, err
	}
	return snap, true, nil
}

func (c *Client) Write(ctx context.Context, id string, p session.Patch) error {
	set, del := p.Fields()
	_, err := c.call(ctx, frame{Op: opWrite, Session: id, Set: set, Del: del, Claims: p.ClaimFields()})
	return err
}

func (c *Client) Subscribe(ctx context.Context, id string) (*sessionstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	var (
		watchMu   sync.Mutex
		stopWatch func() bool
	)
	sub := sessionstore.NewSubscription(func() {
		watchMu.Lock()
		if stopWatch != nil {
			stopWatch()
		}
		watchMu.Unlock()
		if conn.forget(subID) {
			go conn.sendQuiet(frame{Op: opUnsubscribe, ID: subID})
		}
	})
	conn.track(subID, sub)

	if _, err := conn.call(ctx, frame{Op: opSubscribe, ID: subID, Session: id}); err != nil {
		conn.forget(subID)
		sub.Close()
		return nil, err
	}
	watchMu.Lock()
	stopWatch = context.AfterFunc(ctx, func() { sub.Fail(ctx.Err()) })
	watchMu.Unlock()
	return sub, nil
}

// Close drops the connection; open subscriptions end with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.shutdown(sessionstore.ErrClosed)
		conn.wg.Wait()
	}
	return nil
}

func (c *Client) call(ctx context.Context, req frame) (frame, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return frame{}, err
	}
	req.ID = uuid.NewString()
	return conn.call(ctx, req)
}

func (c *Client) connection(ctx context.Context) (*connection, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, sessionstore.ErrClosed
		}
		if c.conn != nil && !c.conn.isDead() {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wait:
			}
			continue
		}
		wait := make(chan struct{})
		c.dialing = wait
		c.mu.Unlock()

		conn, err := c.dial(ctx)

		c.mu.Lock()
		c.dialing = nil
		close(wait)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if c.closed {
			c.mu.Unlock()
			conn.shutdown(sessionstore.ErrClosed)
			return nil, sessionstore.ErrClosed
		}
		c.conn = conn
		c.mu.Unlock()
		return conn, nil
	}
}

func (c *Client) dial(ctx context.Context) (*connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	ws.SetReadLimit(1 << 20)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	conn := &connection{
		ws:      ws,
		clock:   c.clock,
		ctx:     rootCtx,
		cancel:  rootCancel,
		pending: make(map[string]chan frame),
		subs:    make(map[string]*sessionstore.Subscription),
		dead:    make(chan struct{}),
	}
	conn.wg.Add(2)
	go conn.listen()
	go conn.pingLoop(c.pingInterval)
	obslog.L().Info("relay_connected", zap.String("url", c.url))
	return conn, nil
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers == nil {
		return hdr
	}
	for k, v := range c.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

// connection is one websocket session. Once dead it is never reused.
type connection struct {
	ws     *websocket.Conn
	clock  clockwork.Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]chan frame
	subs     map[string]*sessionstore.Subscription
	dead     chan struct{}
	deadOnce sync.Once
	wg       sync.WaitGroup
}

func (c *connection) isDead() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}

func (c *connection) call(ctx context.Context, req frame) (frame, error) {
	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.isDead() {
		c.mu.Unlock()
		return frame{}, ErrDisconnected
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		if ctx.Err() != nil {
			return frame{}, ctx.Err()
		}
		return frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.dead:
		return frame{}, ErrDisconnected
	case res := <-ch:
		if err := remoteErr(res); err != nil {
			return res, err
		}
		return res, nil
	}
}

func (c *connection) sendQuiet(f frame) {
	ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, c.ws, f)
}

func (c *connection) track(id string, sub *sessionstore.Subscription) {
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
}

// forget reports whether id was still tracked.
func (c *connection) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok && !c.isDead()
}

func (c *connection) listen() {
	defer c.wg.Done()
	for {
		var f frame
		if err := wsjson.Read(c.ctx, c.ws, &f); err != nil {
			if c.ctx.Err() == nil {
				obslog.L().Warn("relay_connection_lost", zap.Error(err))
			}
			c.shutdown(ErrDisconnected)
			return
		}
		c.dispatch(f)
	}
}

func (c *connection) dispatch(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Op {
	case opResult:
		if ch := c.pending[f.ID]; ch != nil {
			select {
			case ch <- f:
			default:
			}
		}
	case opSnapshot:
		sub := c.subs[f.ID]
		if sub == nil {
			return
		}
		snap, err := session.FromFields(f.Fields, c.clock.Now())
		if err != nil {
			obslog.L().Warn("relay_snapshot_skipped", zap.String("session", f.Session), zap.Error(err))
			return
		}
		sub.Deliver(snap)
	case opEnded:
		if sub := c.subs[f.ID]; sub != nil {
			delete(c.subs, f.ID)
			go sub.Fail(remoteErr(f))
		}
	}
}

func (c *connection) pingLoop(every time.Duration) {
	defer c.wg.Done()
	if every <= 0 {
		return
	}
	t := c.clock.NewTicker(every)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.Chan():
			ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
			err := c.ws.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.shutdown(ErrDisconnected)
				return
			}
		}
	}
}

// shutdown closes the socket and ends every subscription with cause.
func (c *connection) shutdown(cause error) {
	c.deadOnce.Do(func() {
		c.mu.Lock()
		close(c.dead)
		subs := c.subs
		c.subs = make(map[string]*sessionstore.Subscription)
		c.mu.Unlock()

		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		for _, sub := range subs {
			sub.Fail(cause)
		}
	})
}
