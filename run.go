package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cartsync/internal/config"
	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/store"
	"github.com/tonimelisma/cartsync/internal/sync"
)

// groupCollections are watched for the whole life of the daemon. Items are
// watched per live list.
var groupCollections = []sync.Collection{
	{Type: entity.TypeList},
	{Type: entity.TypeUrgentItem},
	{Type: entity.TypeCategoryUsage},
	{Type: entity.TypePriceEvent},
	{Type: entity.TypeStoreLayout},
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep this device in sync until interrupted",
		Long: `Connect to the hub and stay connected: stream remote changes into the
local store, push local edits as they happen, and retry queued writes on
reconnect and on the drain schedule.

Only one daemon may run per data directory. Send SIGHUP (or run
'cartsync drain') to flush the queue immediately. Edits to the config file
are picked up without a restart where possible (log level).`,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	cleanup, err := writePIDFile(config.PIDPath(cc.Cfg.DataDir))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	s, err := openSession(ctx, cc, sessionOptions{Connect: true, Wait: true})
	if err != nil {
		return err
	}

	cc.Statusf("Syncing group %q via %s (Ctrl-C to stop)\n", s.Group.String(), s.HubURL)

	runErr := runSession(ctx, cc, s)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cc.Cfg.ShutdownTimeout)
	defer cancel()

	if err := s.Close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}

	return runErr
}

// runSession runs the engine, the listeners, the drain-request handler and
// the config watcher until ctx is canceled.
func runSession(ctx context.Context, cc *CLIContext, s *Session) error {
	logger := cc.Logger

	for _, coll := range groupCollections {
		if _, err := s.Engine.Watch(ctx, coll); err != nil {
			return fmt.Errorf("watching %s: %w", coll.Type, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Engine.Run(gctx)
	})

	g.Go(func() error {
		return followLists(gctx, s, logger)
	})

	g.Go(func() error {
		reqs := drainRequests(gctx)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reqs:
				report, err := s.Engine.Drain(gctx)
				if err != nil {
					logger.Warn("requested drain failed", slog.String("error", err.Error()))
					continue
				}

				logger.Info("requested drain finished",
					slog.Int("succeeded", report.Succeeded),
					slog.Int("rescheduled", report.Rescheduled),
					slog.Int("failed", report.Failed),
				)
			}
		}
	})

	if cc.Cfg.ConfigPath != "" {
		holder := config.NewHolder(config.DefaultConfig(), cc.Cfg.ConfigPath)

		g.Go(func() error {
			return config.Watch(gctx, holder, logger, func(c *config.Config) {
				applyReload(cc, c)
			})
		})
	}

	return g.Wait()
}

// applyReload applies the settings that can change without a restart.
func applyReload(cc *CLIContext, c *config.Config) {
	level := logLevel(c.Logging.LogLevel, cc.Flags)
	if cc.Level.Level() != level {
		cc.Level.Set(level)
		cc.Logger.Info("log level changed", slog.String("level", level.String()))
	}
}

// followLists keeps one item listener per live list, driven by a reactive
// query over the local lists table.
func followLists(ctx context.Context, s *Session, logger *slog.Logger) error {
	lists, stop, err := s.Store.Observe(ctx, store.Filter{Type: entity.TypeList})
	if err != nil {
		return fmt.Errorf("observing lists: %w", err)
	}
	defer stop()

	watched := make(map[string]*sync.Subscription)

	for recs := range lists {
		reconcileItemWatches(ctx, s.Engine, watched, recs, logger)
	}

	for _, sub := range watched {
		sub.Unsubscribe()
	}

	return nil
}

// watcher is the part of *sync.Engine reconcileItemWatches needs.
type watcher interface {
	Watch(ctx context.Context, coll sync.Collection) (*sync.Subscription, error)
}

// reconcileItemWatches starts item listeners for new lists and stops those
// whose list is gone. watched is keyed by list id.
func reconcileItemWatches(
	ctx context.Context, w watcher, watched map[string]*sync.Subscription, lists []entity.Record, logger *slog.Logger,
) {
	live := make(map[string]bool, len(lists))

	for _, l := range lists {
		live[l.ID] = true

		if _, ok := watched[l.ID]; ok {
			continue
		}

		sub, err := w.Watch(ctx, sync.Collection{Type: entity.TypeItem, ParentID: l.ID})
		if err != nil {
			logger.Warn("cannot watch list items",
				slog.String("list_id", l.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		watched[l.ID] = sub
	}

	for id, sub := range watched {
		if !live[id] {
			sub.Unsubscribe()
			delete(watched, id)
		}
	}
}
