package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/remotepath"
)

// Engine defaults, used when the matching EngineConfig field is zero.
const (
	DefaultMaxRetries     = 5
	DefaultBaseBackoff    = time.Second
	DefaultMaxBackoff     = 16 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultLockTTL        = 2 * time.Hour
	DefaultDrainSchedule  = "@every 30s"
)

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store    LocalStore         // satisfied by *store.Store
	Queue    OpQueue            // satisfied by *store.Queue
	Remote   remote.Store       // *remote.Client in production, *remote.MemStore in tests
	Group    remotepath.GroupID // shared group every remote path lives under
	Network  Network            // satisfied by *netmon.Monitor
	Reporter ErrorReporter      // optional; defaults to a Warn log line
	Logger   *slog.Logger

	MaxRetries     int           // attempts before a queued op is marked failed
	BaseBackoff    time.Duration // delay after the first failed attempt
	MaxBackoff     time.Duration // backoff cap
	RequestTimeout time.Duration // bound on each direct remote write
	LockTTL        time.Duration // list locks older than this are cleared
	DrainSchedule  string        // cron schedule for the periodic drain
}

// stopper is the part of *time.Timer the retry timer needs.
type stopper interface {
	Stop() bool
}

// Engine is the sync handle for one device. Construct it once, start Run,
// and call Close at shutdown. Mutations return as soon as the local write
// commits; their remote pushes run in goroutines joined by Wait.
type Engine struct {
	store    LocalStore
	queue    OpQueue
	remote   remote.Store
	group    remotepath.GroupID
	network  Network
	reporter ErrorReporter
	logger   *slog.Logger

	maxRetries     int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration
	lockTTL        time.Duration
	drainSchedule  string

	nowFunc   func() time.Time                           // injectable for testing
	afterFunc func(d time.Duration, fn func()) stopper // injectable for testing

	locks     *keyedMutex
	malformed *failureTracker

	// Background work (pushes, kicked drains, listeners) runs under bgCtx
	// and is joined by Wait.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     stdsync.Mutex
	bgWG     stdsync.WaitGroup
	closed   bool

	draining   atomic.Bool
	drainAgain atomic.Bool

	timerMu    stdsync.Mutex
	retryTimer stopper

	watchMu stdsync.Mutex
	watches map[string]*Subscription

	pushes     atomic.Int64
	pushErrors atomic.Int64
}

// NewEngine validates cfg, fills defaults, and registers the reconnect
// trigger with the network monitor.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Remote == nil || cfg.Network == nil {
		return nil, errors.New("sync: engine needs a store, a queue, a remote and a network monitor")
	}

	if cfg.Group.IsZero() {
		return nil, errors.New("sync: engine needs a group")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = logReporter{logger: logger}
	}

	schedule := cfg.DrainSchedule
	if schedule == "" {
		schedule = DefaultDrainSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sync: invalid drain schedule %q: %w", schedule, err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:          cfg.Store,
		queue:          cfg.Queue,
		remote:         cfg.Remote,
		group:          cfg.Group,
		network:        cfg.Network,
		reporter:       reporter,
		logger:         logger,
		maxRetries:     orDefault(cfg.MaxRetries, DefaultMaxRetries),
		baseBackoff:    orDefault(cfg.BaseBackoff, DefaultBaseBackoff),
		maxBackoff:     orDefault(cfg.MaxBackoff, DefaultMaxBackoff),
		requestTimeout: orDefault(cfg.RequestTimeout, DefaultRequestTimeout),
		lockTTL:        orDefault(cfg.LockTTL, DefaultLockTTL),
		drainSchedule:  schedule,
		nowFunc:        time.Now,
		afterFunc: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
		locks:     newKeyedMutex(),
		malformed: newFailureTracker(logger),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
		watches:   make(map[string]*Subscription),
	}

	e.network.OnReconnect(e.kickDrain)

	return e, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}

// Run drains once, then keeps draining on the cron schedule until ctx is
// canceled. Reconnects and the retry timer trigger drains independently.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(e.drainSchedule, e.kickDrain); err != nil {
			return fmt.Errorf("sync: scheduling drain: %w", err)
		}

		scheduler.Start()
		e.logger.Info("drain scheduled", slog.String("schedule", e.drainSchedule))

		<-gctx.Done()
		<-scheduler.Stop().Done()

		return nil
	})

	g.Go(func() error {
		if !e.network.Online() {
			return nil
		}

		report, err := e.Drain(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("startup drain failed", slog.String("error", err.Error()))
			return nil
		}

		e.logger.Info("startup drain complete",
			slog.Int("succeeded", report.Succeeded),
			slog.Int("rescheduled", report.Rescheduled),
			slog.Int("failed", report.Failed),
		)

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return nil
}

// Wait blocks until every background push, drain and listener has
// returned. Listeners only return once unsubscribed or closed.
func (e *Engine) Wait() {
	e.bgWG.Wait()
}

// Close stops listeners and the retry timer, cancels in-flight background
// work and waits for it. Queued operations stay durable for the next run.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()

	e.watchMu.Lock()
	subs := make([]*Subscription, 0, len(e.watches))

	for _, s := range e.watches {
		subs = append(subs, s)
	}
	e.watchMu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}

	e.timerMu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.timerMu.Unlock()

	e.bgCancel()
	e.bgWG.Wait()
}

// goTracked runs fn in a goroutine joined by Wait. A no-op after Close.
func (e *Engine) goTracked(fn func(ctx context.Context)) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()

	if e.closed {
		return false
	}

	e.bgWG.Add(1)

	go func() {
		defer e.bgWG.Done()
		fn(e.bgCtx)
	}()

	return true
}

// now returns the engine clock in milliseconds.
func (e *Engine) now() int64 {
	return e.nowFunc().UnixMilli()
}

// entityPath returns the canonical remote path of a record.
func (e *Engine) entityPath(typ entity.Type, id string) string {
	return remotepath.Entity(e.group, typ, id)
}

// EngineStats is a point-in-time view of engine activity.
type EngineStats struct {
	Pushes     int64 // direct remote writes attempted by the push path
	PushErrors int64 // direct writes that failed and fell back to the queue
	Listeners  int
	Draining   bool
}

// Stats returns engine counters.
func (e *Engine) Stats() EngineStats {
	e.watchMu.Lock()
	n := len(e.watches)
	e.watchMu.Unlock()

	return EngineStats{
		Pushes:     e.pushes.Load(),
		PushErrors: e.pushErrors.Load(),
		Listeners:  n,
		Draining:   e.draining.Load(),
	}
}

// MalformedRecords lists remote entities that were malformed repeatedly
// within the escalation window.
func (e *Engine) MalformedRecords() []MalformedRecord {
	return e.malformed.escalated()
}

// keyedMutex serializes work per entity. The push path, the drain and the
// listener all take the entity's lock before reading queue state, so a
// queued op cannot be leapfrogged by a direct write.
type keyedMutex struct {
	mu    stdsync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	stdsync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// lock acquires key's mutex and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func entityKey(typ entity.Type, id string) string {
	return string(typ) + "/" + id
}
