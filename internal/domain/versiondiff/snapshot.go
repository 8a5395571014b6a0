package versiondiff

import (
	"encoding/json"
	"fmt"
)

// Flat places every entry of fields under a single section.
func Flat(section string, fields map[string]interface{}) Snapshot {
	s := Snapshot{}
	if len(fields) == 0 {
		return s
	}
	sec := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		sec[k] = v
	}
	s[section] = sec
	return s
}

// Group splits a flat field map into sections using sectionOf. Fields for
// which sectionOf returns "" land in fallback.
func Group(fields map[string]interface{}, sectionOf func(field string) string, fallback string) Snapshot {
	s := Snapshot{}
	for k, v := range fields {
		section := ""
		if sectionOf != nil {
			section = sectionOf(k)
		}
		if section == "" {
			section = fallback
		}
		if s[section] == nil {
			s[section] = map[string]interface{}{}
		}
		s[section][k] = v
	}
	return s
}

// Normalize projects v into named fields through its JSON representation.
// Raw JSON input is decoded directly. A nil v yields an empty map.
func Normalize(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}

	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	case map[string]interface{}:
		return t, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %T: %w", v, err)
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}

	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: value is not an object: %w", v, err)
	}
	return out, nil
}

// FromEntity normalizes an entity into a single-section snapshot.
func FromEntity(section string, v interface{}) (Snapshot, error) {
	fields, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return Flat(section, fields), nil
}
