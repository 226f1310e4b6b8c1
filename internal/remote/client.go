package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/oauth2"
)

// Client defaults.
const (
	defaultRequestTimeout = 10 * time.Second
	reconnectBase         = 500 * time.Millisecond
	reconnectMax          = 30 * time.Second
	maxCASAttempts        = 10
	unsubscribeTimeout    = 2 * time.Second
)

// ClientOptions configures a hub client.
type ClientOptions struct {
	// URL is the hub WebSocket endpoint, e.g. ws://hub.local:7420/v1/ws.
	URL string

	// Tokens supplies the bearer token presented on every dial. Nil means
	// no Authorization header.
	Tokens oauth2.TokenSource

	// RequestTimeout bounds every request/reply round trip.
	RequestTimeout time.Duration

	// OnState is called on every connected/disconnected transition.
	OnState func(online bool)

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements Store against a hub. Run owns the connection: it dials,
// re-establishes subscriptions after every reconnect, and backs off between
// failed dials. Requests made while disconnected fail fast with ErrOffline.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger

	// sleepFunc waits between dial attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error

	nextID atomic.Uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[uint64]chan frame
	subs      map[uint64]*clientSub
	online    bool
	connected chan struct{} // closed while online

	writeMu sync.Mutex
}

// clientSub is a subscription the client keeps alive across reconnects.
// lastSeen is the newest server time delivered; resubscribing from it
// replays exactly what the client missed while disconnected.
type clientSub struct {
	id       uint64
	path     string
	query    Query
	lastSeen atomic.Int64
	*deliveryQueue
}

// NewClient creates a client. Call Run to connect.
func NewClient(opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		opts:      opts,
		logger:    opts.Logger,
		sleepFunc: timeSleep,
		pending:   make(map[uint64]chan frame),
		subs:      make(map[uint64]*clientSub),
		connected: make(chan struct{}),
	}
}

// Online reports whether the client currently holds a hub connection.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.online
}

// WaitConnected blocks until the client is online or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and keeps the connection alive until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	var attempt int

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, ErrUnauthorized) {
				return err
			}

			backoff := calcBackoff(attempt)
			c.logger.Warn("hub dial failed",
				slog.String("url", c.opts.URL),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			attempt++

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil
			}

			continue
		}

		attempt = 0

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("hub connection lost", slog.String("error", fmt.Sprint(err)))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}

	if c.opts.Tokens != nil {
		tok, err := c.opts.Tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("remote: obtaining hub token: %w", err)
		}

		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &Error{Op: "dial", Path: c.opts.URL, Err: ErrUnauthorized}
		}

		return nil, fmt.Errorf("remote: dialing %s: %w", c.opts.URL, err)
	}

	conn.SetReadLimit(maxFrameBytes)

	return conn, nil
}

// serve runs one connection: the read loop, plus resubscription of every
// live subscription. Returns when the connection drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)

	go func() { readErr <- c.readLoop(ctx, conn) }()

	c.resubscribeAll(ctx)
	c.setOnline(true)

	err := <-readErr

	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.setOnline(false)

	_ = conn.Close(websocket.StatusNormalClosure, "")

	return err
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online

	if changed {
		if online {
			close(c.connected)
		} else {
			c.connected = make(chan struct{})
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	c.logger.Info("hub connection state changed", slog.Bool("online", online))

	if c.opts.OnState != nil {
		c.opts.OnState(online)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}

		switch f.Op {
		case opEvent:
			c.dispatch(f)
		case opResult, opError:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()

			if ch != nil {
				ch <- f
			}
		default:
			c.logger.Debug("ignoring unknown frame", slog.String("op", f.Op))
		}
	}
}

func (c *Client) dispatch(f frame) {
	if f.Event == nil {
		return
	}

	c.mu.Lock()
	sub := c.subs[f.Sub]
	c.mu.Unlock()

	if sub == nil {
		return
	}

	for {
		seen := sub.lastSeen.Load()
		if seen != LiveOnly && seen >= f.Event.Entry.ServerTime {
			break
		}

		if sub.lastSeen.CompareAndSwap(seen, f.Event.Entry.ServerTime) {
			break
		}
	}

	sub.enqueue(*f.Event)
}

// call sends one request and waits for its reply.
func (c *Client) call(ctx context.Context, req frame) (frame, error) {
	c.mu.Lock()
	conn := c.conn

	if conn == nil {
		c.mu.Unlock()
		return frame{}, &Error{Op: req.Op, Path: req.Path, Err: ErrOffline}
	}

	req.ID = c.nextID.Add(1)
	reply := make(chan frame, 1)
	c.pending[req.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	c.writeMu.Lock()
	err := wsjson.Write(rctx, conn, req)
	c.writeMu.Unlock()

	if err != nil {
		return frame{}, c.requestErr(ctx, req, err)
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return frame{}, &Error{Op: req.Op, Path: req.Path, Message: "connection lost", Err: ErrOffline}
		}

		if f.Op == opError {
			return frame{}, &Error{Op: req.Op, Path: req.Path, Message: f.Message, Err: classifyCode(f.Code)}
		}

		return f, nil
	case <-rctx.Done():
		return frame{}, c.requestErr(ctx, req, rctx.Err())
	}
}

func (c *Client) requestErr(parent context.Context, req frame, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("remote: %s %s canceled: %w", req.Op, req.Path, parent.Err())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: req.Op, Path: req.Path, Err: ErrTimeout}
	}

	return &Error{Op: req.Op, Path: req.Path, Message: err.Error(), Err: ErrOffline}
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, path string) (Entry, error) {
	f, err := c.call(ctx, frame{Op: opGet, Path: path})
	if err != nil {
		return Entry{}, err
	}

	if f.Entry == nil {
		return Entry{}, &Error{Op: opGet, Path: path, Message: "empty reply", Err: ErrServerError}
	}

	return *f.Entry, nil
}

// Set implements Store.
func (c *Client) Set(ctx context.Context, path string, value map[string]any) error {
	_, err := c.call(ctx, frame{Op: opSet, Path: path, Value: value})
	return err
}

// Update implements Store.
func (c *Client) Update(ctx context.Context, path string, partial map[string]any) error {
	_, err := c.call(ctx, frame{Op: opUpdate, Path: path, Value: partial})
	return err
}

// Remove implements Store.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, frame{Op: opRemove, Path: path})
	return err
}

// QueryRange implements Store.
func (c *Client) QueryRange(ctx context.Context, path string, q Query) (Snapshot, error) {
	f, err := c.call(ctx, frame{Op: opQuery, Path: path, Query: &q})
	if err != nil {
		return Snapshot{}, err
	}

	if f.Snapshot == nil {
		return Snapshot{}, nil
	}

	return *f.Snapshot, nil
}

// TransactionalIncrement implements Store with optimistic concurrency:
// read, merge, then compare-and-set against the read's server time,
// retrying when another writer got in between.
func (c *Client) TransactionalIncrement(ctx context.Context, path string, fn MergeFunc) (map[string]any, error) {
	for range maxCASAttempts {
		var (
			current  map[string]any
			expected int64
		)

		e, err := c.Get(ctx, path)

		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		default:
			current, expected = e.Value, e.ServerTime
		}

		next, err := fn(current)
		if err != nil {
			return nil, fmt.Errorf("remote: increment %s: %w", path, err)
		}

		f, err := c.call(ctx, frame{Op: opCAS, Path: path, Value: next, Expected: expected})
		if errors.Is(err, ErrConflict) {
			c.logger.Debug("increment lost race, retrying", slog.String("path", path))
			continue
		}

		if err != nil {
			return nil, err
		}

		if f.Entry == nil {
			return next, nil
		}

		return f.Entry.Value, nil
	}

	return nil, &Error{Op: "increment", Path: path, Message: "too much contention", Err: ErrConflict}
}

// Subscribe implements Store. The subscription survives reconnects; while
// offline it is registered locally and attached on the next connection.
func (c *Client) Subscribe(ctx context.Context, path string, q Query, since int64, h Handler) (func(), error) {
	sub := &clientSub{
		id:            c.nextID.Add(1),
		path:          path,
		query:         q,
		deliveryQueue: newDeliveryQueue(h),
	}
	sub.lastSeen.Store(since)

	go sub.run()

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.attach(ctx, sub); err != nil {
		if !IsTransient(err) {
			c.detach(sub)
			return nil, err
		}

		c.logger.Debug("subscription deferred until reconnect",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			c.detach(sub)

			uctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			defer cancel()

			_, _ = c.call(uctx, frame{Op: opUnsubscribe, Sub: sub.id})
		})
	}, nil
}

func (c *Client) attach(ctx context.Context, sub *clientSub) error {
	q := sub.query

	f, err := c.call(ctx, frame{
		Op:    opSubscribe,
		Path:  sub.path,
		Query: &q,
		Since: sub.lastSeen.Load(),
		Sub:   sub.id,
	})
	if err != nil {
		return err
	}

	sub.lastSeen.CompareAndSwap(LiveOnly, f.Since)

	return nil
}

func (c *Client) detach(sub *clientSub) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	c.mu.Unlock()

	sub.stop()
}

func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	subs := make([]*clientSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.attach(ctx, s); err != nil {
			c.logger.Warn("resubscribe failed",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// calcBackoff returns the delay before dial attempt n+1.
func calcBackoff(attempt int) time.Duration {
	d := reconnectBase << min(attempt, 16)
	if d > reconnectMax || d <= 0 {
		return reconnectMax
	}

	return d
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*MemStore)(nil)
)
