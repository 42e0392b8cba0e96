package store

import (
	"sort"
	"strings"

	"github.com/tholstrom/truckdb/internal/codec"
)

// FieldIndex is the in-memory inverted index from (box, field,
// string-value) to the set of tags currently carrying that string at that
// field. Non-string fields are ignored entirely. It has no internal
// synchronization; it lives behind the owning Truck's mutex.
type FieldIndex struct {
	// box -> field -> value -> tags
	data map[string]map[string]map[string]map[string]struct{}
}

// NewFieldIndex returns an empty index.
func NewFieldIndex() *FieldIndex {
	return &FieldIndex{data: make(map[string]map[string]map[string]map[string]struct{})}
}

// IndexValue adds tag's contribution for every string-valued field in v.
// Callers updating an existing tag must call RemoveValue with the prior
// value first so stale contributions don't accumulate (invariant I6).
func (fi *FieldIndex) IndexValue(box, tag string, v codec.Value) {
	for field, val := range v {
		s, ok := val.(string)
		if !ok {
			continue
		}
		fi.add(box, field, s, tag)
	}
}

// RemoveValue removes tag's contribution for every string-valued field in
// the pre-image value v. Safe to call with a nil/empty v (no-op).
func (fi *FieldIndex) RemoveValue(box, tag string, v codec.Value) {
	for field, val := range v {
		s, ok := val.(string)
		if !ok {
			continue
		}
		fi.remove(box, field, s, tag)
	}
}

// RemoveBox drops every entry belonging to box, e.g. when the box is
// deleted wholesale.
func (fi *FieldIndex) RemoveBox(box string) {
	delete(fi.data, box)
}

func (fi *FieldIndex) add(box, field, value, tag string) {
	byField, ok := fi.data[box]
	if !ok {
		byField = make(map[string]map[string]map[string]struct{})
		fi.data[box] = byField
	}
	byValue, ok := byField[field]
	if !ok {
		byValue = make(map[string]map[string]struct{})
		byField[field] = byValue
	}
	tags, ok := byValue[value]
	if !ok {
		tags = make(map[string]struct{})
		byValue[value] = tags
	}
	tags[tag] = struct{}{}
}

func (fi *FieldIndex) remove(box, field, value, tag string) {
	byField, ok := fi.data[box]
	if !ok {
		return
	}
	byValue, ok := byField[field]
	if !ok {
		return
	}
	tags, ok := byValue[value]
	if !ok {
		return
	}
	delete(tags, tag)
	if len(tags) == 0 {
		delete(byValue, value)
	}
	if len(byValue) == 0 {
		delete(byField, field)
	}
	if len(byField) == 0 {
		delete(fi.data, box)
	}
}

// QueryPrefix returns every tag, deduplicated, whose stored string at
// field starts with prefix (an empty prefix matches every string value
// present at that field).
func (fi *FieldIndex) QueryPrefix(box, field, prefix string) []string {
	byField, ok := fi.data[box]
	if !ok {
		return nil
	}
	byValue, ok := byField[field]
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	for value, tags := range byValue {
		if !strings.HasPrefix(value, prefix) {
			continue
		}
		for tag := range tags {
			seen[tag] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
