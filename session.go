package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tonimelisma/cartsync/internal/config"
	"github.com/tonimelisma/cartsync/internal/netmon"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/remotepath"
	"github.com/tonimelisma/cartsync/internal/store"
	"github.com/tonimelisma/cartsync/internal/sync"
	"github.com/tonimelisma/cartsync/internal/tokenfile"
)

// defaultConnectTimeout bounds how long a one-shot command waits for the
// hub before working offline.
const defaultConnectTimeout = 3 * time.Second

// dataDirPermissions keeps the database and credentials private.
const dataDirPermissions = 0o700

// Session wires one device's local store, queue, hub client, network
// monitor and sync engine. Every command that touches records opens one.
type Session struct {
	Store   *store.Store
	Queue   *store.Queue
	Client  *remote.Client
	Monitor *netmon.Monitor
	Engine  *sync.Engine

	Group  remotepath.GroupID
	User   string
	HubURL string

	logger     *slog.Logger
	cancel     context.CancelFunc
	clientDone chan error
}

// sessionOptions controls how openSession treats the hub.
type sessionOptions struct {
	// Connect starts the hub client. A one-shot command waits up to
	// ConnectTimeout for the first connection, then carries on offline.
	Connect        bool
	ConnectTimeout time.Duration

	// Wait blocks until the first connection (daemon mode ignores the
	// timeout and lets the client retry forever).
	Wait bool
}

// identity merges config and stored credentials. Explicit config wins.
type identity struct {
	group  string
	hubURL string
	user   string
	creds  *tokenfile.Credentials
}

func loadIdentity(cfg *config.Resolved) (identity, error) {
	id := identity{group: cfg.Group, hubURL: cfg.HubURL, user: cfg.User}

	creds, err := tokenfile.Load(config.CredentialsPath(cfg.DataDir))
	if err != nil && !errors.Is(err, tokenfile.ErrNotJoined) {
		return identity{}, err
	}

	if creds != nil {
		id.creds = creds

		if id.group == "" {
			id.group = creds.Group
		}

		if id.hubURL == "" {
			id.hubURL = creds.HubURL
		}

		if id.user == "" {
			id.user = creds.User
		}
	}

	return id, nil
}

// openSession builds the full stack for cc's resolved config.
func openSession(ctx context.Context, cc *CLIContext, opts sessionOptions) (*Session, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	id, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}

	if id.group == "" {
		return nil, errors.New("no group configured: run `cartsync join` or pass --group")
	}

	group, err := remotepath.NewGroupID(id.group)
	if err != nil {
		return nil, fmt.Errorf("invalid group: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	mon := netmon.New(false, logger)

	clientOpts := remote.ClientOptions{
		URL:            id.hubURL,
		RequestTimeout: cfg.RequestTimeout,
		OnState:        mon.Set,
		Logger:         logger,
	}

	if id.creds != nil {
		clientOpts.Tokens = id.creds.TokenSource()
	}

	// A client that never runs answers every request with ErrOffline,
	// which leaves the engine queueing writes locally.
	client := remote.NewClient(clientOpts)

	queue := store.NewQueue(st.DB(), logger)

	engine, err := sync.NewEngine(&sync.EngineConfig{
		Store:          st,
		Queue:          queue,
		Remote:         client,
		Group:          group,
		Network:        mon,
		Logger:         logger,
		MaxRetries:     cfg.MaxRetries,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		RequestTimeout: cfg.RequestTimeout,
		LockTTL:        cfg.LockTTL,
		DrainSchedule:  cfg.DrainSchedule,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	s := &Session{
		Store:   st,
		Queue:   queue,
		Client:  client,
		Monitor: mon,
		Engine:  engine,
		Group:   group,
		User:    id.user,
		HubURL:  id.hubURL,
		logger:  logger,
	}

	if opts.Connect && id.hubURL != "" {
		s.startClient(ctx, opts)
	} else if opts.Connect {
		logger.Info("no hub configured, working offline")
	}

	return s, nil
}

// startClient runs the hub client in the background and optionally waits
// for the first connection.
func (s *Session) startClient(ctx context.Context, opts sessionOptions) {
	clientCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.clientDone = make(chan error, 1)

	go func() {
		s.clientDone <- s.Client.Run(clientCtx)
	}()

	if opts.Wait {
		return
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	if err := s.Client.WaitConnected(waitCtx); err != nil {
		s.logger.Warn("hub unreachable, working offline",
			slog.String("hub_url", s.HubURL),
			slog.Duration("waited", timeout),
		)
	}
}

// Online reports whether the hub is currently reachable.
func (s *Session) Online() bool {
	return s.Monitor.Online()
}

// requireUser returns the user id recorded on list locks.
func (s *Session) requireUser() (string, error) {
	if s.User == "" {
		return "", errors.New("no user configured: set device.user, pass --user, or re-run `cartsync join --user`")
	}

	return s.User, nil
}

// Close flushes what can still be delivered, then releases everything.
// Writes that could not be delivered stay queued for the next run.
func (s *Session) Close(ctx context.Context) error {
	if s.Monitor.Online() {
		if _, err := s.Engine.Drain(ctx); err != nil {
			s.logger.Warn("final drain failed", slog.String("error", err.Error()))
		}
	}

	s.Engine.Wait()
	s.Engine.Close()

	var errs []error

	if s.cancel != nil {
		s.cancel()

		if err := <-s.clientDone; err != nil {
			errs = append(errs, fmt.Errorf("hub client: %w", err))
		}
	}

	if err := s.Store.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
