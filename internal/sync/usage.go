package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/store"
)

// categoryNamespace scopes category usage ids so every device derives the
// same id for the same category.
var categoryNamespace = uuid.MustParse("6f1d4a52-3c0b-4e8a-9f57-2b1c8d7e4a10")

// CategoryUsageID returns the deterministic record id for a category.
func CategoryUsageID(category string) string {
	key := strings.ToLower(strings.TrimSpace(norm.NFC.String(category)))
	return uuid.NewSHA1(categoryNamespace, []byte(key)).String()
}

// IncrementCategoryUsage bumps a category's usage counter. Online, the
// increment runs as a remote read-modify-write so concurrent devices do not
// lose counts, and the result is stored locally as synced. Offline, the
// local counter is bumped and the full snapshot queued; a snapshot
// overwrites concurrent remote increments when it drains.
func (e *Engine) IncrementCategoryUsage(ctx context.Context, category string) (entity.Record, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return entity.Record{}, errors.New("sync: increment: empty category")
	}

	id := CategoryUsageID(category)

	if e.network.Online() {
		rec, err := e.incrementRemote(ctx, id, category)
		if err == nil {
			return rec, nil
		}

		if !remote.IsTransient(err) {
			return entity.Record{}, err
		}

		e.logger.Info("remote increment failed, counting locally",
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
	}

	return e.incrementLocal(ctx, id, category)
}

func (e *Engine) incrementRemote(ctx context.Context, id, category string) (entity.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	now := e.now()

	value, err := e.remote.TransactionalIncrement(ctx, e.entityPath(entity.TypeCategoryUsage, id),
		func(current map[string]any) (map[string]any, error) {
			next := make(map[string]any, len(current)+3)
			for k, v := range current {
				next[k] = v
			}

			count, _ := stampValue(current[entity.FieldCount])
			next[entity.FieldCount] = count + 1
			next[entity.FieldCategory] = category
			next[docKeyID] = id

			// The stamp must move forward even if this device's clock lags the
			// last writer's.
			prev, _ := stampValue(current[docKeyUpdatedAt])
			next[docKeyUpdatedAt] = max(now, prev+1)

			return next, nil
		})
	if err != nil {
		return entity.Record{}, fmt.Errorf("sync: incrementing %s: %w", category, err)
	}

	rec, err := decodeEntry(entity.TypeCategoryUsage, remote.Entry{Key: id, Value: value})
	if err != nil {
		return entity.Record{}, err
	}

	unlock := e.locks.lock(entityKey(rec.Type, rec.ID))
	defer unlock()

	saved, written, err := e.store.SaveIfNotNewer(ctx, persistable(rec))
	if err != nil {
		return entity.Record{}, fmt.Errorf("sync: storing %s usage: %w", category, err)
	}

	if !written {
		return e.store.Get(ctx, rec.Type, rec.ID)
	}

	e.dropSuperseded(ctx, saved)

	return saved, nil
}

func (e *Engine) incrementLocal(ctx context.Context, id, category string) (entity.Record, error) {
	current, err := e.store.Get(ctx, entity.TypeCategoryUsage, id)

	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.SaveRecord(ctx, entity.Record{
			ID:   id,
			Type: entity.TypeCategoryUsage,
			Fields: map[string]any{
				entity.FieldCategory: category,
				entity.FieldCount:    1,
			},
		})
	case err != nil:
		return entity.Record{}, fmt.Errorf("sync: reading %s usage: %w", category, err)
	default:
		return e.UpdateRecord(ctx, entity.TypeCategoryUsage, id, map[string]any{
			entity.FieldCount: current.Int64(entity.FieldCount) + 1,
		})
	}
}
