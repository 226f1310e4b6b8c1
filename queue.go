package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/config"
	"github.com/tonimelisma/cartsync/internal/store"
)

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show writes waiting to reach the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, sessionOptions{}, func(ctx context.Context, cc *CLIContext, s *Session) error {
				ops, err := s.Queue.ListPending(ctx)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, queueJSON(ops))
				}

				if len(ops) == 0 {
					cc.Statusf("Queue is empty.\n")
					return nil
				}

				printTable(os.Stdout, []string{"ENTITY", "ID", "OP", "TRIES", "NEXT RETRY", "LAST ERROR"}, queueRows(ops))

				return nil
			})
		},
	}
}

func queueRows(ops []store.QueuedOp) [][]string {
	rows := make([][]string, 0, len(ops))

	for _, op := range ops {
		rows = append(rows, []string{
			op.EntityType.String(),
			shortID(op.EntityID),
			string(op.Operation),
			strconv.Itoa(op.RetryCount),
			formatMillis(op.NextRetryAt),
			op.LastError,
		})
	}

	return rows
}

func queueJSON(ops []store.QueuedOp) []map[string]any {
	out := make([]map[string]any, 0, len(ops))

	for _, op := range ops {
		out = append(out, map[string]any{
			"id":            op.ID,
			"entity_type":   op.EntityType,
			"entity_id":     op.EntityID,
			"operation":     op.Operation,
			"enqueued_at":   op.Timestamp,
			"retry_count":   op.RetryCount,
			"next_retry_at": op.NextRetryAt,
			"last_error":    op.LastError,
		})
	}

	return out
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Retry queued writes now",
		Long: `Retry every queued write that is due. If 'cartsync run' is active for
this data directory it is asked to drain (SIGHUP); otherwise the drain runs
here.`,
		Args: cobra.NoArgs,
		RunE: runDrain,
	}
}

func runDrain(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	pid, err := signalDaemon(config.PIDPath(cc.Cfg.DataDir))
	if err == nil {
		cc.Statusf("Asked running daemon (PID %d) to drain\n", pid)
		return nil
	}

	if !errors.Is(err, errNoDaemon) {
		return err
	}

	cc.Logger.Debug("no daemon, draining in-process", slog.String("reason", err.Error()))

	return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
		if !s.Online() {
			n, _ := s.Queue.Count(ctx)
			return fmt.Errorf("hub unreachable, %d write(s) remain queued", n)
		}

		report, err := s.Engine.Drain(ctx)
		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			return printJSON(os.Stdout, report)
		}

		cc.Statusf("Drained: %d delivered, %d rescheduled, %d failed, %d not yet due\n",
			report.Succeeded, report.Rescheduled, report.Failed, report.Skipped)

		return nil
	})
}
