package formschema

import (
	"github.com/acutis/intake/internal/domain/versiondiff"
)

// Snapshot flattens resolved steps into a diffable snapshot keyed by section
// title and field key. A section title that appears in more than one step is
// qualified with its step title. The value of each field is its whole
// definition, so label or validation edits show up as modifications.
func Snapshot(steps []Step) versiondiff.Snapshot {
	titleCount := map[string]int{}
	for _, st := range steps {
		for _, sec := range st.Sections {
			titleCount[sec.Title]++
		}
	}

	snap := versiondiff.Snapshot{}
	for _, st := range steps {
		for _, sec := range st.Sections {
			name := sec.Title
			if name == "" {
				name = sec.ID
			}
			if titleCount[sec.Title] > 1 {
				name = st.Title + " / " + name
			}
			fields := snap[name]
			if fields == nil {
				fields = map[string]interface{}{}
				snap[name] = fields
			}
			for _, f := range sec.Fields {
				def, err := versiondiff.Normalize(f)
				if err != nil {
					continue
				}
				fields[f.Key()] = def
			}
		}
	}
	return snap
}
