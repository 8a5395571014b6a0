// Package versiondiff compares two section-keyed snapshots field by field and
// classifies each difference as added, modified or removed. It knows nothing
// about where the snapshots came from.
package versiondiff

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Compare reports every field whose presence or value differs between old
// and new. Fields are matched by name within a section. Output is sorted by
// section name, then field name.
func Compare(old, new Snapshot) Diff {
	diff := Diff{}
	for _, section := range unionKeys(old, new) {
		changes := compareSection(old[section], new[section])
		if len(changes) == 0 {
			continue
		}
		diff = append(diff, SectionChange{SectionName: section, Fields: changes})
	}
	return diff
}

func compareSection(old, new map[string]interface{}) []FieldChange {
	names := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		names[k] = struct{}{}
	}
	for k := range new {
		names[k] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []FieldChange
	for _, name := range sorted {
		oldVal, inOld := old[name]
		newVal, inNew := new[name]

		switch {
		case !inOld:
			changes = append(changes, FieldChange{FieldName: name, NewValue: newVal, ChangeType: ChangeAdded})
		case !inNew:
			changes = append(changes, FieldChange{FieldName: name, OldValue: oldVal, ChangeType: ChangeRemoved})
		case !Equal(oldVal, newVal):
			changes = append(changes, FieldChange{
				FieldName:  name,
				OldValue:   oldVal,
				NewValue:   newVal,
				ChangeType: ChangeModified,
			})
		}
	}
	return changes
}

func unionKeys(a, b Snapshot) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two values structurally. Values that differ only in Go
// representation (int 3 and float64 3, a struct and its decoded JSON map)
// are equal, since snapshots arrive both from memory and from JSON columns.
func Equal(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	na, errA := canonical(a)
	nb, errB := canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func canonical(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangedFields returns the distinct field names touched by d, sorted.
func ChangedFields(d Diff) []string {
	seen := make(map[string]struct{})
	for _, sec := range d {
		for _, f := range sec.Fields {
			seen[f.FieldName] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summarize counts the changes in d by type.
func Summarize(d Diff) Summary {
	var s Summary
	for _, sec := range d {
		for _, f := range sec.Fields {
			switch f.ChangeType {
			case ChangeAdded:
				s.Added++
			case ChangeModified:
				s.Modified++
			case ChangeRemoved:
				s.Removed++
			}
			s.Total++
		}
	}
	return s
}
