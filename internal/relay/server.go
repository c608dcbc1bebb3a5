package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/sessionstore"
)

// Server exposes a Store to websocket clients. Subscriptions die with the
// connection that opened them.
type Server struct {
	store          sessionstore.Store
	originPatterns []string
	writeTimeout   time.Duration

	mu     sync.Mutex
	closed bool
	conns  map[*websocket.Conn]context.CancelFunc
	wg     sync.WaitGroup
}

type ServerOption func(*Server)

// WithOriginPatterns allows cross-origin browser clients matching patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

func NewServer(store sessionstore.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:        store,
		writeTimeout: 5 * time.Second,
		conns:        make(map[*websocket.Conn]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  s.originPatterns,
	})
	if err != nil {
		obslog.L().Warn("relay_accept_failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	s.conns[conn] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c := &serverConn{srv: s, conn: conn, subs: make(map[string]*sessionstore.Subscription)}
	c.serve(ctx)
	cancel()
	c.closeSubs()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Close drops every connection and waits for their handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn, cancel := range s.conns {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

type serverConn struct {
	srv  *Server
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]*sessionstore.Subscription
	pump sync.WaitGroup
}

func (c *serverConn) serve(ctx context.Context) {
	log := obslog.L()
	for {
		var req frame
		if err := wsjson.Read(ctx, c.conn, &req); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				log.Debug("relay_read_ended", zap.Error(err))
			}
			return
		}
		switch req.Op {
		case opRead:
			c.read(ctx, req)
		case opWrite:
			c.write(ctx, req)
		case opSubscribe:
			c.subscribe(ctx, req)
		case opUnsubscribe:
			c.unsubscribe(req.ID)
		default:
			c.send(ctx, frame{Op: opResult, ID: req.ID, Code: codeBadFrame, Error: "unknown op " + req.Op})
		}
	}
}

func (c *serverConn) read(ctx context.Context, req frame) {
	snap, found, err := c.srv.store.Read(ctx, req.Session)
	res := frame{Op: opResult, ID: req.ID, Found: found}
	if err != nil {
		res.Code, res.Error = errorCode(err), err.Error()
	} else if found {
		res.Fields = snap.Fields()
	}
	c.send(ctx, res)
}

func (c *serverConn) write(ctx context.Context, req frame) {
	res := frame{Op: opResult, ID: req.ID}
	p, err := session.ParsePatch(req.Set, req.Del, req.Claims)
	if err != nil {
		res.Code, res.Error = codeBadFrame, err.Error()
		c.send(ctx, res)
		return
	}
	if err := c.srv.store.Write(ctx, req.Session, p); err != nil {
		res.Code, res.Error = errorCode(err), err.Error()
	}
	c.send(ctx, res)
}

func (c *serverConn) subscribe(ctx context.Context, req frame) {
	sub, err := c.srv.store.Subscribe(ctx, req.Session)
	if err != nil {
		c.send(ctx, frame{Op: opResult, ID: req.ID, Code: errorCode(err), Error: err.Error()})
		return
	}
	c.mu.Lock()
	if old := c.subs[req.ID]; old != nil {
		old.Close()
	}
	c.subs[req.ID] = sub
	c.mu.Unlock()

	c.send(ctx, frame{Op: opResult, ID: req.ID})

	c.pump.Add(1)
	go func() {
		defer c.pump.Done()
		for {
			select {
			case snap := <-sub.C():
				c.send(ctx, frame{Op: opSnapshot, ID: req.ID, Session: req.Session, Fields: snap.Fields()})
			case <-sub.Done():
				if err := sub.Err(); err != nil && ctx.Err() == nil {
					c.send(ctx, frame{Op: opEnded, ID: req.ID, Code: errorCode(err), Error: err.Error()})
				}
				c.mu.Lock()
				if c.subs[req.ID] == sub {
					delete(c.subs, req.ID)
				}
				c.mu.Unlock()
				return
			}
		}
	}()
}

func (c *serverConn) unsubscribe(id string) {
	c.mu.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *serverConn) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*sessionstore.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	c.pump.Wait()
}

func (c *serverConn) send(ctx context.Context, f frame) {
	wctx, cancel := context.WithTimeout(ctx, c.srv.writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, f); err != nil && ctx.Err() == nil {
		obslog.L().Warn("relay_send_failed", zap.String("op", f.Op), zap.Error(err))
	}
}
