package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDocument_AcceptsWellFormedPatch(t *testing.T) {
	v := NewPatchValidator()

	err := v.ValidateDocument(json.RawMessage(`[
		{"op": "replace", "path": "/name", "value": "renamed"},
		{"op": "add", "path": "/nodes/-", "value": {"id": "notify", "type": "action", "depends_on": ["check"]}},
		{"op": "remove", "path": "/nodes/3"},
		{"op": "test", "path": "/name"},
		{"op": "move", "from": "/nodes/1", "path": "/nodes/0"}
	]`))
	require.NoError(t, err)
}

func TestValidateDocument_RejectsNonArray(t *testing.T) {
	v := NewPatchValidator()
	err := v.ValidateDocument(json.RawMessage(`{"op":"add"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON array")
}

func TestValidateDocument_RejectsEmptyPatch(t *testing.T) {
	v := NewPatchValidator()
	err := v.ValidateDocument(json.RawMessage(`[]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestValidateOperations_RequiredFields(t *testing.T) {
	v := NewPatchValidator()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing op", `[{"path": "/x"}]`, "'op'"},
		{"missing path", `[{"op": "add", "value": 1}]`, "'path'"},
		{"add without value", `[{"op": "add", "path": "/x"}]`, "'value' required"},
		{"replace without value", `[{"op": "replace", "path": "/x"}]`, "'value' required"},
		{"move without from", `[{"op": "move", "path": "/x"}]`, "'from' required"},
		{"copy without from", `[{"op": "copy", "path": "/x"}]`, "'from' required"},
		{"unsupported op", `[{"op": "merge", "path": "/x"}]`, "unsupported"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateDocument(json.RawMessage(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateOperations_NodeValueShape(t *testing.T) {
	v := NewPatchValidator()

	err := v.ValidateDocument(json.RawMessage(`[
		{"op": "add", "path": "/nodes/-", "value": "not an object"}
	]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an object")

	err = v.ValidateDocument(json.RawMessage(`[
		{"op": "add", "path": "/nodes/-", "value": {"type": "transform"}}
	]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'id'")

	err = v.ValidateDocument(json.RawMessage(`[
		{"op": "add", "path": "/nodes/-", "value": {"id": "n1"}}
	]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'type'")

	err = v.ValidateDocument(json.RawMessage(`[
		{"op": "add", "path": "/nodes/-", "value": {"id": "n1", "type": "transform", "depends_on": "n0"}}
	]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends_on")

	err = v.ValidateDocument(json.RawMessage(`[
		{"op": "add", "path": "/nodes/-", "value": {"id": "n1", "type": "transform", "depends_on": [7]}}
	]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be strings")
}

func TestValidateOperations_ServiceNodeCap(t *testing.T) {
	v := NewPatchValidator()

	build := func(n int, nodeType string) json.RawMessage {
		doc := `[`
		for i := 0; i < n; i++ {
			if i > 0 {
				doc += ","
			}
			doc += `{"op": "add", "path": "/nodes/-", "value": {"id": "n` +
				string(rune('0'+i)) + `", "type": "` + nodeType + `"}}`
		}
		return json.RawMessage(doc + `]`)
	}

	require.NoError(t, v.ValidateDocument(build(5, "service")))

	err := v.ValidateDocument(build(6, "action"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 5")

	// Non-service nodes are not counted against the cap
	require.NoError(t, v.ValidateDocument(build(8, "transform")))
}
