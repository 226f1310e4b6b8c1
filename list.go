package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/store"
	"github.com/tonimelisma/cartsync/internal/sync"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Manage shopping lists",
	}

	cmd.AddCommand(newListAddCmd())
	cmd.AddCommand(newListLsCmd())
	cmd.AddCommand(newListRmCmd())
	cmd.AddCommand(newListCompleteCmd())
	cmd.AddCommand(newListLockCmd())
	cmd.AddCommand(newListUnlockCmd())

	return cmd
}

func newListAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeName, _ := cmd.Flags().GetString("store")

			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				fields := map[string]any{
					entity.FieldName:   args[0],
					entity.FieldStatus: entity.ListActive,
				}

				if storeName != "" {
					fields[entity.FieldStore] = storeName
				}

				rec, err := s.Engine.CreateRecord(ctx, entity.TypeList, fields)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(os.Stdout, recordJSON(rec))
				}

				fmt.Println(rec.ID)
				reportDelivery(cc, s)

				return nil
			})
		},
	}

	cmd.Flags().String("store", "", "store the list is for")

	return cmd
}

func newListLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Show lists in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, sessionOptions{}, func(ctx context.Context, cc *CLIContext, s *Session) error {
				lists, err := s.Store.Query(ctx, store.Filter{Type: entity.TypeList})
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					out := make([]map[string]any, 0, len(lists))
					for _, l := range lists {
						out = append(out, recordJSON(l))
					}

					return printJSON(os.Stdout, out)
				}

				if len(lists) == 0 {
					cc.Statusf("No lists. Create one with 'cartsync list add <name>'.\n")
					return nil
				}

				rows := make([][]string, 0, len(lists))
				for _, l := range lists {
					rows = append(rows, []string{
						shortID(l.ID),
						l.String(entity.FieldName),
						l.String(entity.FieldStatus),
						lockLabel(l),
						syncLabel(l),
						formatMillis(l.UpdatedAt),
					})
				}

				printTable(os.Stdout, []string{"ID", "NAME", "STATUS", "LOCK", "SYNC", "UPDATED"}, rows)

				return nil
			})
		},
	}
}

// lockLabel shows who holds a list's lock, ignoring the TTL (ls is a
// read-only view; `list lock` and item edits evaluate expiry).
func lockLabel(l entity.Record) string {
	if !l.Bool(entity.FieldIsLocked) {
		return ""
	}

	return l.String(entity.FieldLockedBy)
}

func newListRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <list-id>",
		Short: "Delete a list",
		Long: `Delete a list. The list is kept as a tombstone so a delayed update from
another device cannot bring it back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				id, err := resolveID(ctx, s.Store, entity.TypeList, args[0], store.Filter{})
				if err != nil {
					return err
				}

				if err := s.Engine.DeleteRecord(ctx, entity.TypeList, id); err != nil {
					return err
				}

				cc.Statusf("Deleted list %s\n", shortID(id))
				reportDelivery(cc, s)

				return nil
			})
		},
	}
}

func newListCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <list-id>",
		Short: "Mark a list completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				id, err := resolveID(ctx, s.Store, entity.TypeList, args[0], store.Filter{})
				if err != nil {
					return err
				}

				if _, err := s.Engine.UpdateRecord(ctx, entity.TypeList, id, map[string]any{
					entity.FieldStatus: entity.ListCompleted,
				}); err != nil {
					return err
				}

				cc.Statusf("Completed list %s\n", shortID(id))
				reportDelivery(cc, s)

				return nil
			})
		},
	}
}

func newListLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <list-id>",
		Short: "Take the shopping lock on a list",
		Long: `Take the shopping lock on a list so other members know you are in the
store with it. Locks expire after [sync] lock_ttl (default 2h).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				user, err := s.requireUser()
				if err != nil {
					return err
				}

				id, err := resolveID(ctx, s.Store, entity.TypeList, args[0], store.Filter{})
				if err != nil {
					return err
				}

				if _, err := s.Engine.LockList(ctx, id, user); err != nil {
					if errors.Is(err, sync.ErrListLocked) {
						return fmt.Errorf("list %s is being shopped by someone else: %w", shortID(id), err)
					}

					return err
				}

				cc.Statusf("Locked list %s for %s\n", shortID(id), user)
				reportDelivery(cc, s)

				return nil
			})
		},
	}
}

func newListUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <list-id>",
		Short: "Release your shopping lock on a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				user, err := s.requireUser()
				if err != nil {
					return err
				}

				id, err := resolveID(ctx, s.Store, entity.TypeList, args[0], store.Filter{})
				if err != nil {
					return err
				}

				if _, err := s.Engine.UnlockList(ctx, id, user); err != nil {
					return err
				}

				cc.Statusf("Unlocked list %s\n", shortID(id))
				reportDelivery(cc, s)

				return nil
			})
		},
	}
}

// recordJSON is the --json shape of a record.
func recordJSON(r entity.Record) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"type":        r.Type,
		"fields":      r.Fields,
		"updated_at":  r.UpdatedAt,
		"sync_status": r.SyncStatus,
		"deleted":     r.Deleted,
	}
}
