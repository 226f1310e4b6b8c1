package store

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/tonimelisma/cartsync/internal/entity"
)

// Filter selects records of one type. ParentID is served by an indexed
// column; Where is field equality evaluated on normalized values.
type Filter struct {
	Type           entity.Type
	ParentID       string
	IDs            []string
	Where          map[string]any
	Status         entity.SyncStatus
	IncludeDeleted bool
}

// normalized validates the filter and normalizes its Where values so they
// compare equal to stored fields.
func (f Filter) normalized() (Filter, error) {
	if _, err := entity.ParseType(string(f.Type)); err != nil {
		return Filter{}, fmt.Errorf("store: filter: %w", err)
	}

	if len(f.Where) == 0 {
		return f, nil
	}

	where, err := entity.Normalize(f.Where)
	if err != nil {
		return Filter{}, fmt.Errorf("store: filter: %w", err)
	}

	f.Where = where

	return f, nil
}

// Matches reports whether rec belongs to the filter's result set. The filter
// must already be normalized.
func (f Filter) Matches(rec entity.Record) bool {
	if rec.Type != f.Type {
		return false
	}

	if f.ParentID != "" && rec.ParentID() != f.ParentID {
		return false
	}

	if rec.Deleted && !f.IncludeDeleted {
		return false
	}

	if f.Status != "" && rec.SyncStatus != f.Status {
		return false
	}

	return f.matchesFields(rec)
}

// matchesFields applies the IDs and Where clauses, which SQL does not
// evaluate.
func (f Filter) matchesFields(rec entity.Record) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, rec.ID) {
		return false
	}

	for k, want := range f.Where {
		if !reflect.DeepEqual(rec.Fields[k], want) {
			return false
		}
	}

	return true
}
