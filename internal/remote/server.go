package remote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

// Hub server defaults.
const (
	shutdownTimeout   = 5 * time.Second
	writeTimeout      = 10 * time.Second
	sessionOutboxSize = 256
	maxFrameBytes     = 8 << 20
	readHeaderTimeout = 10 * time.Second
)

// Server exposes a MemStore to remote clients over WebSocket.
type Server struct {
	store  *MemStore
	tokens []string
	logger *slog.Logger

	sessions atomic.Int64
}

// NewServer creates a hub for store. Clients must present one of tokens as
// a bearer token; an empty token list disables authentication.
func NewServer(store *MemStore, tokens []string, logger *slog.Logger) *Server {
	return &Server{store: store, tokens: tokens, logger: logger}
}

// Handler returns the hub's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/v1/ws", s.handleWebSocket)
	})

	return r
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("hub listening", slog.String("addr", ln.Addr().String()))

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("remote: serving hub: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("remote: hub shutdown: %w", err)
		}

		s.logger.Info("hub stopped")

		return nil
	})

	return g.Wait()
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.validToken(token) {
			s.logger.Warn("rejected hub connection",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validToken(token string) bool {
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}

	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"sessions":    s.Sessions(),
		"server_time": s.store.Now(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sess := &session{
		server: s,
		conn:   conn,
		outbox: make(chan frame, sessionOutboxSize),
		subs:   make(map[uint64]func()),
		logger: s.logger.With(slog.String("request_id", middleware.GetReqID(r.Context()))),
	}

	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	sess.logger.Info("client connected", slog.String("remote_addr", r.RemoteAddr))

	err = sess.run(r.Context())

	sess.logger.Info("client disconnected", slog.String("reason", fmt.Sprint(err)))
}

// session is one connected client. A single writer goroutine drains the
// outbox so replies and events never interleave mid-frame.
type session struct {
	server *Server
	conn   *websocket.Conn
	outbox chan frame
	logger *slog.Logger

	mu   sync.Mutex
	subs map[uint64]func()
}

func (ss *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer ss.closeSubs()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ss.writeLoop(gctx) })
	g.Go(func() error {
		err := ss.readLoop(gctx)
		cancel()

		return err
	})

	err := g.Wait()

	_ = ss.conn.Close(websocket.StatusNormalClosure, "")

	return err
}

func (ss *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-ss.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ss.conn, f)
			cancel()

			if err != nil {
				return fmt.Errorf("remote: writing frame: %w", err)
			}
		}
	}
}

func (ss *session) readLoop(ctx context.Context) error {
	for {
		var req frame
		if err := wsjson.Read(ctx, ss.conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("remote: reading frame: %w", err)
		}

		reply := ss.handle(ctx, req)
		if !ss.send(ctx, reply) {
			return nil
		}
	}
}

// send queues f for the writer. Returns false once the session is done.
func (ss *session) send(ctx context.Context, f frame) bool {
	select {
	case ss.outbox <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (ss *session) handle(ctx context.Context, req frame) frame {
	st := ss.server.store

	switch req.Op {
	case opGet:
		e, err := st.Get(ctx, req.Path)
		if err != nil {
			return errFrame(req.ID, err)
		}

		return frame{ID: req.ID, Op: opResult, Entry: &e}
	case opSet:
		if err := st.Set(ctx, req.Path, req.Value); err != nil {
			return errFrame(req.ID, err)
		}
	case opUpdate:
		if err := st.Update(ctx, req.Path, req.Value); err != nil {
			return errFrame(req.ID, err)
		}
	case opRemove:
		if err := st.Remove(ctx, req.Path); err != nil {
			return errFrame(req.ID, err)
		}
	case opCAS:
		e, err := st.CompareAndSet(ctx, req.Path, req.Expected, req.Value)
		if err != nil {
			return errFrame(req.ID, err)
		}

		return frame{ID: req.ID, Op: opResult, Entry: &e}
	case opQuery:
		snap, err := st.QueryRange(ctx, req.Path, derefQuery(req.Query))
		if err != nil {
			return errFrame(req.ID, err)
		}

		return frame{ID: req.ID, Op: opResult, Snapshot: &snap}
	case opSubscribe:
		return ss.subscribe(ctx, req)
	case opUnsubscribe:
		ss.unsubscribe(req.Sub)
	default:
		return errFrame(req.ID, &Error{Op: req.Op, Path: req.Path, Message: "unknown op", Err: ErrBadRequest})
	}

	return frame{ID: req.ID, Op: opResult}
}

func (ss *session) subscribe(ctx context.Context, req frame) frame {
	if req.Sub == 0 {
		return errFrame(req.ID, &Error{Op: opSubscribe, Path: req.Path, Message: "missing sub id", Err: ErrBadRequest})
	}

	// A client re-subscribing an id replaces the old subscription.
	ss.unsubscribe(req.Sub)

	subID := req.Sub

	cancel, err := ss.server.store.Subscribe(ctx, req.Path, derefQuery(req.Query), req.Since, func(ev Event) {
		ss.send(ctx, frame{Op: opEvent, Sub: subID, Event: &ev})
	})
	if err != nil {
		return errFrame(req.ID, err)
	}

	ss.mu.Lock()
	ss.subs[subID] = cancel
	ss.mu.Unlock()

	ss.logger.Debug("client subscribed",
		slog.String("path", req.Path),
		slog.Uint64("sub", subID),
	)

	// Since tells the client where a live-only subscription starts, so it
	// can resume from there after a reconnect.
	return frame{ID: req.ID, Op: opResult, Since: ss.server.store.Now()}
}

func (ss *session) unsubscribe(id uint64) {
	ss.mu.Lock()
	cancel := ss.subs[id]
	delete(ss.subs, id)
	ss.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (ss *session) closeSubs() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[uint64]func())
	ss.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

func derefQuery(q *Query) Query {
	if q == nil {
		return Query{}
	}

	return *q
}
