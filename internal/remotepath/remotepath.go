// Package remotepath provides type-safe tenant identifiers and the canonical
// remote path scheme for synchronized entities:
//
//	groups/{groupId}/{collection}/{entityId}
//
// Every entity type has exactly one canonical path per group. This is a leaf
// package; it knows nothing about the remote store itself.
package remotepath

import (
	"encoding"
	"fmt"
	"strings"

	"github.com/tonimelisma/cartsync/internal/entity"
)

// rootSegment prefixes every tenant-scoped path.
const rootSegment = "groups"

// Number of slash-separated segments in collection and entity paths.
const (
	collectionParts = 3
	entityParts     = 4
)

// GroupID is a normalized tenant identifier (lowercase, trimmed). The zero
// value represents an absent group.
type GroupID struct {
	value string
}

// NewGroupID normalizes a raw group identifier. Slashes are rejected because
// they would break path segmentation.
func NewGroupID(raw string) (GroupID, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return GroupID{}, fmt.Errorf("remotepath: empty group id")
	}

	if strings.Contains(v, "/") {
		return GroupID{}, fmt.Errorf("remotepath: group id %q must not contain '/'", raw)
	}

	return GroupID{value: v}, nil
}

// MustGroupID is NewGroupID for constants and tests. Panics on invalid input.
func MustGroupID(raw string) GroupID {
	g, err := NewGroupID(raw)
	if err != nil {
		panic(err)
	}

	return g
}

func (g GroupID) String() string { return g.value }

// IsZero reports whether the group is absent.
func (g GroupID) IsZero() bool { return g.value == "" }

// MarshalText implements encoding.TextMarshaler.
func (g GroupID) MarshalText() ([]byte, error) {
	return []byte(g.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, normalizing the input.
func (g *GroupID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*g = GroupID{}
		return nil
	}

	parsed, err := NewGroupID(string(text))
	if err != nil {
		return err
	}

	*g = parsed

	return nil
}

var (
	_ encoding.TextMarshaler   = GroupID{}
	_ encoding.TextUnmarshaler = (*GroupID)(nil)
	_ fmt.Stringer             = GroupID{}
)

// Collection returns the path of an entity type's collection in a group.
func Collection(g GroupID, t entity.Type) string {
	return rootSegment + "/" + g.value + "/" + string(t)
}

// Entity returns the canonical path of a single entity.
func Entity(g GroupID, t entity.Type, id string) string {
	return Collection(g, t) + "/" + id
}

// Path is a parsed remote path. ID is empty for collection paths.
type Path struct {
	Group GroupID
	Type  entity.Type
	ID    string
}

// IsCollection reports whether the path names a collection.
func (p Path) IsCollection() bool { return p.ID == "" }

func (p Path) String() string {
	if p.IsCollection() {
		return Collection(p.Group, p.Type)
	}

	return Entity(p.Group, p.Type, p.ID)
}

// Parse splits a collection or entity path and validates every segment.
func Parse(raw string) (Path, error) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) != collectionParts && len(parts) != entityParts {
		return Path{}, fmt.Errorf("remotepath: %q: want groups/{group}/{collection}[/{id}]", raw)
	}

	if parts[0] != rootSegment {
		return Path{}, fmt.Errorf("remotepath: %q: must start with %q", raw, rootSegment)
	}

	g, err := NewGroupID(parts[1])
	if err != nil {
		return Path{}, fmt.Errorf("remotepath: %q: %w", raw, err)
	}

	t, err := entity.ParseType(parts[2])
	if err != nil {
		return Path{}, fmt.Errorf("remotepath: %q: %w", raw, err)
	}

	p := Path{Group: g, Type: t}

	if len(parts) == entityParts {
		if parts[3] == "" {
			return Path{}, fmt.Errorf("remotepath: %q: empty entity id", raw)
		}

		p.ID = parts[3]
	}

	return p, nil
}

// Split returns the parent collection path and the final segment of an
// entity path without validating group or type. Used by stores that key
// documents by collection.
func Split(raw string) (collection, id string) {
	raw = strings.Trim(raw, "/")

	i := strings.LastIndex(raw, "/")
	if i < 0 {
		return "", raw
	}

	return raw[:i], raw[i+1:]
}
