// Package entity defines the synchronized record model shared by the local
// store, the sync engine and the remote adapters: entity types, the generic
// record shape, per-type lifecycle policy and field normalization.
package entity

import (
	"fmt"
	"maps"
	"sort"
)

// Type names a synchronized collection. The value doubles as the remote
// collection segment and the entity_type column in the local store.
type Type string

// Entity types of the shopping-list domain.
const (
	TypeList          Type = "lists"
	TypeItem          Type = "items"
	TypeUrgentItem    Type = "urgent_items"
	TypeCategoryUsage Type = "category_usage"
	TypePriceEvent    Type = "price_events"
	TypeStoreLayout   Type = "store_layouts"
)

// AllTypes lists every entity type in a stable order.
var AllTypes = []Type{
	TypeList, TypeItem, TypeUrgentItem, TypeCategoryUsage, TypePriceEvent, TypeStoreLayout,
}

func (t Type) String() string { return string(t) }

// ParseType converts a collection name to a Type.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}

	return "", fmt.Errorf("entity: unknown type %q", s)
}

// SyncStatus is local bookkeeping only. It is never sent to the remote store.
type SyncStatus string

// Sync status values as stored in the sync_status column.
const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
)

// ParseSyncStatus converts a database TEXT value to SyncStatus.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case StatusSynced, StatusPending, StatusFailed:
		return SyncStatus(s), nil
	default:
		return "", fmt.Errorf("entity: unknown sync status %q", s)
	}
}

// Field names used across entity payloads.
const (
	FieldName     = "name"
	FieldStatus   = "status"
	FieldListID   = "list_id"
	FieldItemID   = "item_id"
	FieldPrice    = "price"
	FieldQuantity = "quantity"
	FieldChecked  = "checked"
	FieldCategory = "category"
	FieldCount    = "count"
	FieldStore    = "store"
	FieldAisles   = "aisles"
	FieldIsLocked = "is_locked"
	FieldLockedBy = "locked_by"
	FieldLockedAt = "locked_at"
)

// List status values. A deleted list is a tombstone, never a removed row.
const (
	ListActive    = "active"
	ListCompleted = "completed"
	ListDeleted   = "deleted"
)

// Record is the generic synchronized entity. Fields holds the
// entity-specific payload in normalized form (see Normalize).
type Record struct {
	ID         string
	Type       Type
	Fields     map[string]any
	UpdatedAt  int64 // wall-clock milliseconds of the last mutation
	SyncStatus SyncStatus
	Deleted    bool
}

// Clone returns a deep-enough copy: the top-level field map is copied so
// callers may mutate it without aliasing the original.
func (r Record) Clone() Record {
	c := r
	c.Fields = maps.Clone(r.Fields)

	if c.Fields == nil {
		c.Fields = map[string]any{}
	}

	return c
}

// ParentID returns the value of the type's parent field, or "".
func (r Record) ParentID() string {
	p := PolicyFor(r.Type)
	if p.ParentField == "" {
		return ""
	}

	return r.String(p.ParentField)
}

// String returns the string value of a field, or "".
func (r Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Float returns the numeric value of a field, or 0.
func (r Record) Float(key string) float64 {
	switch v := r.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Int64 returns the numeric value of a field truncated to int64.
func (r Record) Int64(key string) int64 {
	return int64(r.Float(key))
}

// Bool returns the boolean value of a field, or false.
func (r Record) Bool(key string) bool {
	b, _ := r.Fields[key].(bool)
	return b
}

// Validate checks the identity and required fields of a record.
func Validate(r Record) error {
	if r.ID == "" {
		return fmt.Errorf("entity: %s record missing id", r.Type)
	}

	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}

	var missing []string

	for _, f := range PolicyFor(r.Type).Required {
		v, ok := r.Fields[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}

		if s, isStr := v.(string); isStr && s == "" {
			missing = append(missing, f)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("entity: %s %s missing required fields %v", r.Type, r.ID, missing)
	}

	return nil
}

// Merge returns base with every key of partial applied on top. A nil value
// in partial deletes the key.
func Merge(base, partial map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(partial))
	}

	for k, v := range partial {
		if v == nil {
			delete(out, k)
			continue
		}

		out[k] = v
	}

	return out
}
