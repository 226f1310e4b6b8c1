package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Normalize converts a field map to the canonical form every layer
// compares: the JSON decoding of its JSON encoding (numbers become float64,
// structs become maps) with every string NFC-normalized. Two payloads that
// render identically on any device therefore compare equal.
func Normalize(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("entity: encoding fields: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("entity: decoding fields: %w", err)
	}

	for k, v := range out {
		out[k] = nfcValue(v)
	}

	return out, nil
}

// NormalizeValue applies Normalize to a single value.
func NormalizeValue(v any) (any, error) {
	m, err := Normalize(map[string]any{"v": v})
	if err != nil {
		return nil, err
	}

	return m["v"], nil
}

func nfcValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = nfcValue(t[i])
		}

		return t
	case map[string]any:
		for k, inner := range t {
			t[k] = nfcValue(inner)
		}

		return t
	default:
		return v
	}
}

// FieldsEqual reports whether two normalized field maps hold the same
// user-visible values.
func FieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}

	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}

	return true
}

// ChangedFields returns the sorted keys whose values differ between a and b.
func ChangedFields(a, b map[string]any) []string {
	var changed []string

	for k, av := range a {
		if bv, ok := b[k]; !ok || !reflect.DeepEqual(av, bv) {
			changed = append(changed, k)
		}
	}

	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}

	sort.Strings(changed)

	return changed
}
