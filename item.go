package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/store"
)

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage the items on a list",
	}

	cmd.PersistentFlags().Bool("force", false, "edit even if another member holds the list's shopping lock")

	cmd.AddCommand(newItemAddCmd())
	cmd.AddCommand(newItemLsCmd())
	cmd.AddCommand(newItemCheckCmd())
	cmd.AddCommand(newItemRmCmd())

	return cmd
}

// guardLock refuses edits to a list someone else is shopping with, unless
// --force is set. An expired lock is cleared as a side effect.
func guardLock(ctx context.Context, cmd *cobra.Command, s *Session, listID string) error {
	if force, _ := cmd.Flags().GetBool("force"); force {
		return nil
	}

	locked, err := s.Engine.IsLockedForUser(ctx, listID, s.User)
	if err != nil {
		return err
	}

	if !locked {
		return nil
	}

	st, err := s.Engine.ListLock(ctx, listID)
	if err != nil {
		return err
	}

	return fmt.Errorf("list %s is locked by %s since %s (use --force to edit anyway)",
		shortID(listID), st.LockedBy, formatTime(st.LockedAt))
}

func newItemAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <list-id> <name>",
		Short: "Add an item to a list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, _ := cmd.Flags().GetFloat64("qty")
			price, _ := cmd.Flags().GetFloat64("price")
			category, _ := cmd.Flags().GetString("category")

			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				listID, err := resolveID(ctx, s.Store, entity.TypeList, args[0], store.Filter{})
				if err != nil {
					return err
				}

				if err := guardLock(ctx, cmd, s, listID); err != nil {
					return err
				}

				fields := map[string]any{
					entity.FieldListID:  listID,
					entity.FieldName:    args[1],
					entity.FieldChecked: false,
				}

				if qty > 0 {
					fields[entity.FieldQuantity] = qty
				}

				if price > 0 {
					fields[entity.FieldPrice] = price
				}

				if category != "" {
					fields[entity.FieldCategory] = category
				}

				rec, err := s.Engine.CreateRecord(ctx, entity.TypeItem, fields)
				if err != nil {
					return err
				}

				if category != "" {
					if _, err := s.Engine.IncrementCategoryUsage(ctx, category); err != nil {
						cc.Logger.Warn("category usage not recorded",
							slog.String("category", category),
							slog.String("error", err.Error()),
						)
					}
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

	cmd.Flags().Float64("qty", 0, "quantity")
	cmd.Flags().Float64("price", 0, "price per unit")
	cmd.Flags().String("category", "", "category, counted toward category usage")

	return cmd
}

func newItemLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <list-id>",
		Short: "Show the items on a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, sessionOptions{}, func(ctx context.Context, cc *CLIContext, s *Session) error {
				listID, err := resolveID(ctx, s.Store, entity.TypeList, args[0], store.Filter{})
				if err != nil {
					return err
				}

				items, err := s.Store.Query(ctx, store.Filter{Type: entity.TypeItem, ParentID: listID})
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					out := make([]map[string]any, 0, len(items))
					for _, it := range items {
						out = append(out, recordJSON(it))
					}

					return printJSON(os.Stdout, out)
				}

				rows := make([][]string, 0, len(items))
				for _, it := range items {
					check := "[ ]"
					if it.Bool(entity.FieldChecked) {
						check = "[x]"
					}

					qty := ""
					if q := it.Float(entity.FieldQuantity); q > 0 {
						qty = strconv.FormatFloat(q, 'f', -1, 64)
					}

					rows = append(rows, []string{
						shortID(it.ID),
						check,
						it.String(entity.FieldName),
						qty,
						formatPrice(it.Float(entity.FieldPrice)),
						it.String(entity.FieldCategory),
						syncLabel(it),
					})
				}

				printTable(os.Stdout, []string{"ID", "", "NAME", "QTY", "PRICE", "CATEGORY", "SYNC"}, rows)

				return nil
			})
		},
	}
}

func newItemCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <item-id>",
		Short: "Check an item off (or back on with --undo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			undo, _ := cmd.Flags().GetBool("undo")

			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				item, err := findItem(ctx, s, args[0])
				if err != nil {
					return err
				}

				if err := guardLock(ctx, cmd, s, item.ParentID()); err != nil {
					return err
				}

				if _, err := s.Engine.UpdateRecord(ctx, entity.TypeItem, item.ID, map[string]any{
					entity.FieldChecked: !undo,
				}); err != nil {
					return err
				}

				reportDelivery(cc, s)

				return nil
			})
		},
	}

	cmd.Flags().Bool("undo", false, "uncheck the item")

	return cmd
}

func newItemRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <item-id>",
		Short: "Remove an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
				item, err := findItem(ctx, s, args[0])
				if err != nil {
					return err
				}

				if err := guardLock(ctx, cmd, s, item.ParentID()); err != nil {
					return err
				}

				if err := s.Engine.DeleteRecord(ctx, entity.TypeItem, item.ID); err != nil {
					return err
				}

				cc.Statusf("Removed %s\n", item.String(entity.FieldName))
				reportDelivery(cc, s)

				return nil
			})
		},
	}
}

func findItem(ctx context.Context, s *Session, prefix string) (entity.Record, error) {
	id, err := resolveID(ctx, s.Store, entity.TypeItem, prefix, store.Filter{})
	if err != nil {
		return entity.Record{}, err
	}

	return s.Store.Get(ctx, entity.TypeItem, id)
}
