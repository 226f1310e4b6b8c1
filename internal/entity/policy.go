package entity

// Policy describes the per-type lifecycle rules the store and the engine
// follow.
type Policy struct {
	// ParentField names the field that scopes the type's collections
	// (e.g. items belong to a list). Empty for group-wide collections.
	ParentField string

	// Required fields must be present and non-empty on every record,
	// local or remote. Remote records missing one are malformed.
	Required []string

	// Tombstone types are soft-deleted: the row stays with Deleted set so a
	// stale remote echo cannot resurrect it.
	Tombstone bool

	// TombstoneField and TombstoneValue are written on soft delete.
	TombstoneField string
	TombstoneValue any
}

var policies = map[Type]Policy{
	TypeList: {
		Required:       []string{FieldName},
		Tombstone:      true,
		TombstoneField: FieldStatus,
		TombstoneValue: ListDeleted,
	},
	TypeItem: {
		ParentField: FieldListID,
		Required:    []string{FieldListID, FieldName},
	},
	TypeUrgentItem: {
		Required: []string{FieldName},
	},
	TypeCategoryUsage: {
		Required: []string{FieldCategory},
	},
	TypePriceEvent: {
		ParentField: FieldItemID,
		Required:    []string{FieldItemID, FieldPrice},
	},
	TypeStoreLayout: {
		Required: []string{FieldName},
	},
}

// PolicyFor returns the policy for a type. Unknown types get the zero
// policy (hard delete, no required fields).
func PolicyFor(t Type) Policy {
	return policies[t]
}
