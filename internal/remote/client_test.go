package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remotepath"
)

const testToken = "s3cret"

type testHub struct {
	store  *MemStore
	server *httptest.Server
	wsURL  string
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	m := newTestMemStore(t)
	srv := NewServer(m, []string{testToken}, testLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testHub{
		store:  m,
		server: ts,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws",
	}
}

// stateLog records OnState transitions.
type stateLog struct {
	mu     sync.Mutex
	states []bool
}

func (s *stateLog) record(online bool) {
	s.mu.Lock()
	s.states = append(s.states, online)
	s.mu.Unlock()
}

func (s *stateLog) get() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]bool(nil), s.states...)
}

func startClient(t *testing.T, url, token string, states *stateLog) (*Client, context.CancelFunc) {
	t.Helper()

	opts := ClientOptions{
		URL:            url,
		Tokens:         oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		RequestTimeout: 2 * time.Second,
		Logger:         testLogger(t),
	}

	if states != nil {
		opts.OnState = states.record
	}

	c := NewClient(opts)
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		return timeSleep(ctx, 10*time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return c, cancel
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	states := &stateLog{}
	c, _ := startClient(t, hub.wsURL, testToken, states)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.WaitConnected(ctx))
	assert.True(t, c.Online())

	require.NoError(t, c.Set(ctx, itemPath("i1"), map[string]any{"name": "milk", "list_id": "L1"}))
	require.NoError(t, c.Update(ctx, itemPath("i1"), map[string]any{"price": 2.5}))

	e, err := c.Get(ctx, itemPath("i1"))
	require.NoError(t, err)
	assert.Equal(t, 2.5, e.Value["price"])

	direct, err := hub.store.Get(ctx, itemPath("i1"))
	require.NoError(t, err)
	assert.Equal(t, direct.Value, e.Value)

	snap, err := c.QueryRange(ctx, itemsPath(), Query{Field: "list_id", Equals: "L1"})
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)

	require.NoError(t, c.Remove(ctx, itemPath("i1")))

	_, err = c.Get(ctx, itemPath("i1"))
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.Set(ctx, "bogus", map[string]any{})
	assert.ErrorIs(t, err, ErrBadRequest)

	assert.Equal(t, []bool{true}, states.get())
}

func TestClient_SubscribeStreamsEvents(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	c, _ := startClient(t, hub.wsURL, testToken, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.WaitConnected(ctx))

	require.NoError(t, hub.store.Set(ctx, itemPath("seed"), map[string]any{"list_id": "L1"}))

	rec := &eventRecorder{}
	unsub, err := c.Subscribe(ctx, itemsPath(), Query{Field: "list_id", Equals: "L1"}, 0, rec.handle)
	require.NoError(t, err)

	defer unsub()

	require.NoError(t, hub.store.Set(ctx, itemPath("live"), map[string]any{"list_id": "L1"}))

	events := rec.waitFor(t, 2)
	assert.Equal(t, "seed", events[0].Entry.Key)
	assert.Equal(t, "live", events[1].Entry.Key)
	assert.Equal(t, EventAdded, events[1].Kind)
}

func TestClient_TransactionalIncrement(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	c, _ := startClient(t, hub.wsURL, testToken, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.WaitConnected(ctx))

	path := remotepath.Entity(testGroup, entity.TypeCategoryUsage, "dairy")
	incr := func(cur map[string]any) (map[string]any, error) {
		n := 0.0
		if cur != nil {
			n, _ = cur["count"].(float64)
		}

		return map[string]any{"category": "dairy", "count": n + 1}, nil
	}

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.TransactionalIncrement(ctx, path, incr)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	e, err := hub.store.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 5.0, e.Value["count"])
}

func TestClient_OfflineFailsFast(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientOptions{URL: "ws://127.0.0.1:1/v1/ws", Logger: testLogger(t)})

	err := c.Set(t.Context(), itemPath("i1"), map[string]any{})
	require.ErrorIs(t, err, ErrOffline)
	assert.True(t, IsTransient(err))

	// Subscriptions made offline are kept for the next connection.
	unsub, err := c.Subscribe(t.Context(), itemsPath(), Query{}, LiveOnly, func(Event) {})
	require.NoError(t, err)
	unsub()
}

func TestClient_RejectsBadToken(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)

	c := NewClient(ClientOptions{
		URL:    hub.wsURL,
		Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "wrong", TokenType: "Bearer"}),
		Logger: testLogger(t),
	})

	err := c.Run(t.Context())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)

	resp, err := http.Get(hub.server.URL + "/healthz") //nolint:noctx // test helper
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCalcBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 500*time.Millisecond, calcBackoff(0))
	assert.Equal(t, time.Second, calcBackoff(1))
	assert.Equal(t, reconnectMax, calcBackoff(10))
	assert.Equal(t, reconnectMax, calcBackoff(100))
}
