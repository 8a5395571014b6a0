package versiondiff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_InsuranceScenario(t *testing.T) {
	old := Snapshot{"Insurance": {"Provider": "VHI"}}
	new := Snapshot{"Insurance": {"Provider": "Laya", "Policy": "LAYA-1"}}

	d := Compare(old, new)

	require.Len(t, d, 1)
	assert.Equal(t, "Insurance", d[0].SectionName)
	assert.Equal(t, []FieldChange{
		{FieldName: "Policy", OldValue: nil, NewValue: "LAYA-1", ChangeType: ChangeAdded},
		{FieldName: "Provider", OldValue: "VHI", NewValue: "Laya", ChangeType: ChangeModified},
	}, d[0].Fields)
}

func TestCompare_NoOp(t *testing.T) {
	snapshots := []Snapshot{
		nil,
		{},
		{"Personal": {"firstName": "Aoife", "lastName": "Byrne"}},
		{"Medical": {"allergies": []interface{}{"penicillin"}, "meds": map[string]interface{}{"dose": 5.0}}},
	}
	for _, s := range snapshots {
		d := Compare(s, s)
		assert.Empty(t, d)
		assert.NotNil(t, d, "empty diff should marshal as []")
	}
}

func TestCompare_PresenceSymmetry(t *testing.T) {
	a := Snapshot{"Contact": {"phone": "087-1234567"}}
	b := Snapshot{"Contact": {"phone": "087-1234567", "email": "a@example.ie"}, "Consent": {"privacy": true}}

	forward := Compare(a, b)
	backward := Compare(b, a)

	find := func(d Diff, section, field string) *FieldChange {
		for _, sec := range d {
			if sec.SectionName != section {
				continue
			}
			for i := range sec.Fields {
				if sec.Fields[i].FieldName == field {
					return &sec.Fields[i]
				}
			}
		}
		return nil
	}

	for _, tc := range []struct{ section, field string }{{"Contact", "email"}, {"Consent", "privacy"}} {
		added := find(forward, tc.section, tc.field)
		removed := find(backward, tc.section, tc.field)
		require.NotNil(t, added, tc.field)
		require.NotNil(t, removed, tc.field)
		assert.Equal(t, ChangeAdded, added.ChangeType)
		assert.Equal(t, ChangeRemoved, removed.ChangeType)
		assert.Equal(t, added.NewValue, removed.OldValue)
		assert.Nil(t, removed.NewValue)
	}
}

func TestCompare_SectionsOmittedWhenUnchanged(t *testing.T) {
	old := Snapshot{
		"Personal": {"firstName": "Sean"},
		"Medical":  {"allergies": "none"},
	}
	new := Snapshot{
		"Personal": {"firstName": "Sean"},
		"Medical":  {"allergies": "latex"},
	}

	d := Compare(old, new)
	require.Len(t, d, 1)
	assert.Equal(t, "Medical", d[0].SectionName)
}

func TestCompare_RemovedSection(t *testing.T) {
	d := Compare(Snapshot{"Legacy": {"ppsn": "123"}}, Snapshot{})
	require.Len(t, d, 1)
	assert.Equal(t, ChangeRemoved, d[0].Fields[0].ChangeType)
	assert.Equal(t, "123", d[0].Fields[0].OldValue)
}

func TestCompare_SortedOutput(t *testing.T) {
	d := Compare(Snapshot{}, Snapshot{
		"Zeta":  {"b": 1, "a": 2},
		"Alpha": {"z": 1},
	})
	require.Len(t, d, 2)
	assert.Equal(t, "Alpha", d[0].SectionName)
	assert.Equal(t, "Zeta", d[1].SectionName)
	assert.Equal(t, "a", d[1].Fields[0].FieldName)
	assert.Equal(t, "b", d[1].Fields[1].FieldName)
}

func TestEqual_RepresentationInsensitive(t *testing.T) {
	var decoded interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"min":2,"max":50}`), &decoded))

	assert.True(t, Equal(3, 3.0))
	assert.True(t, Equal(map[string]int{"min": 2, "max": 50}, decoded))
	assert.True(t, Equal([]string{"a"}, []interface{}{"a"}))
	assert.False(t, Equal("3", 3))
	assert.False(t, Equal(nil, ""))
}

func TestChangedFieldsAndSummary(t *testing.T) {
	d := Diff{
		{SectionName: "A", Fields: []FieldChange{
			{FieldName: "status", ChangeType: ChangeModified},
			{FieldName: "notes", ChangeType: ChangeAdded},
		}},
		{SectionName: "B", Fields: []FieldChange{
			{FieldName: "status", ChangeType: ChangeRemoved},
		}},
	}

	assert.Equal(t, []string{"notes", "status"}, ChangedFields(d))
	assert.Equal(t, Summary{Added: 1, Modified: 1, Removed: 1, Total: 3}, Summarize(d))
	assert.Empty(t, ChangedFields(nil))
}
