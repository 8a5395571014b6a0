package formschema

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/acutis/intake/internal/domain/elementlib"
)

func testLibrary() elementlib.Library {
	req := true
	return elementlib.Library{
		Version: "1.0.0",
		Categories: []elementlib.Category{{
			ID: "personal-info", Name: "Personal Information",
			Elements: []elementlib.Element{
				{ID: "element-name-basic", Name: "Name - Basic", Fields: []elementlib.Field{
					{ID: "firstName", FieldName: "firstName", Label: "First Name", Type: "text", Required: &req},
					{ID: "lastName", FieldName: "lastName", Label: "Last Name", Type: "text", Required: &req},
				}},
				{ID: "element-dob", Name: "Date of Birth", Fields: []elementlib.Field{
					{ID: "dateOfBirth", FieldName: "dateOfBirth", Label: "Date of Birth", Type: "date", Required: &req},
				}},
			},
		}},
	}
}

func notesField() elementlib.Field {
	no := false
	return elementlib.Field{ID: "notes", FieldName: "notes", Label: "Notes", Type: "textarea", Required: &no}
}

func TestResolve_ExpandsElementsInPlace(t *testing.T) {
	draft := []DraftStep{{
		ID: "s1", Title: "Personal", Order: 1,
		Sections: []DraftSection{{
			ID: "sec1", Title: "Identity", Order: 1,
			Elements: []SectionEntry{ElementEntry("element-name-basic"), FieldEntry(notesField())},
		}},
	}}

	steps := Resolve(draft, testLibrary())
	if len(steps) != 1 || len(steps[0].Sections) != 1 {
		t.Fatalf("unexpected shape %+v", steps)
	}
	var names []string
	for _, f := range steps[0].Sections[0].Fields {
		names = append(names, f.FieldName)
	}
	want := []string{"firstName", "lastName", "notes"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestResolve_UnknownElementContributesNothing(t *testing.T) {
	draft := []DraftStep{{Sections: []DraftSection{{
		Title:    "Mixed",
		Elements: []SectionEntry{ElementEntry("element-gone"), ElementEntry("element-dob")},
	}}}}
	steps := Resolve(draft, testLibrary())
	fields := steps[0].Sections[0].Fields
	if len(fields) != 1 || fields[0].FieldName != "dateOfBirth" {
		t.Errorf("unexpected fields %+v", fields)
	}
	if got := UnknownRefs(draft, testLibrary()); !reflect.DeepEqual(got, []string{"element-gone"}) {
		t.Errorf("unexpected unknown refs %v", got)
	}
}

func TestResolve_PureAndRepeatable(t *testing.T) {
	lib := testLibrary()
	draft := []DraftStep{{Sections: []DraftSection{{
		Title:    "Identity",
		Elements: []SectionEntry{ElementEntry("element-name-basic")},
	}}}}

	first := Resolve(draft, lib)
	second := Resolve(draft, lib)
	if !reflect.DeepEqual(first, second) {
		t.Error("resolution is not repeatable")
	}

	first[0].Sections[0].Fields[0].Label = "Changed"
	*first[0].Sections[0].Fields[0].Required = false
	el, _ := lib.Lookup("element-name-basic")
	if el.Fields[0].Label != "First Name" || !*el.Fields[0].Required {
		t.Error("resolved fields share state with the library")
	}
	if draft[0].Sections[0].Elements[0].ElementRef != "element-name-basic" {
		t.Error("draft was modified")
	}
}

func TestSectionEntry_JSON(t *testing.T) {
	raw := `["element-name-basic",{"id":"notes","fieldName":"notes","label":"Notes","type":"textarea","required":false}]`
	var entries []SectionEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entries[0].ElementRef != "element-name-basic" || entries[0].Field != nil {
		t.Errorf("expected element reference, got %+v", entries[0])
	}
	if entries[1].Field == nil || entries[1].Field.FieldName != "notes" {
		t.Errorf("expected inline field, got %+v", entries[1])
	}
	out, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Errorf("expected %s, got %s", raw, out)
	}

	var bad SectionEntry
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Error("expected error for numeric entry")
	}
}

func TestSnapshot_QualifiesRepeatedSectionTitles(t *testing.T) {
	steps := []Step{
		{Title: "Day 1", Sections: []Section{{Title: "Vitals", Fields: []elementlib.Field{{FieldName: "pulse", Type: "number"}}}}},
		{Title: "Day 2", Sections: []Section{{Title: "Vitals", Fields: []elementlib.Field{{FieldName: "pulse", Type: "number"}}}}},
		{Title: "Consent", Sections: []Section{{Title: "Signatures", Fields: []elementlib.Field{{FieldName: "sig", Type: "signature"}}}}},
	}
	snap := Snapshot(steps)
	for _, name := range []string{"Day 1 / Vitals", "Day 2 / Vitals", "Signatures"} {
		if _, ok := snap[name]; !ok {
			t.Errorf("expected section %q in %v", name, snap)
		}
	}
}
