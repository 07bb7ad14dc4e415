package ui

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTree() ComponentNode {
	return ComponentNode{
		ID:   "root",
		Type: "container",
		Children: []ComponentNode{
			{ID: "title", Type: "text", Props: map[string]any{"text": "Hello"}},
			{
				ID: "form", Type: "form",
				Children: []ComponentNode{
					{ID: "name", Type: "input", Bindings: []Binding{{Prop: "value", Path: "user.name"}}},
					{ID: "go", Type: "button"},
				},
			},
		},
	}
}

func TestComponentNodeJSONShape(t *testing.T) {
	tree := testTree()
	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var decoded ComponentNode
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, tree, decoded)
}

func TestComponentNodeFind(t *testing.T) {
	tree := testTree()

	node := tree.Find("go")
	require.NotNil(t, node)
	require.Equal(t, "button", node.Type)

	require.Nil(t, tree.Find("missing"))
}

func TestComponentNodeWalkOrder(t *testing.T) {
	tree := testTree()

	var order []string
	tree.Walk(func(n *ComponentNode) bool {
		order = append(order, n.ID)
		return true
	})
	require.Equal(t, []string{"root", "title", "form", "name", "go"}, order)
}

func TestPageDefaults(t *testing.T) {
	p := (&Page{Path: "/settings", Root: testTree()}).WithDefaults()
	require.Equal(t, "default", p.Layout)

	p = (&Page{Path: "/", Layout: "wide"}).WithDefaults()
	require.Equal(t, "wide", p.Layout)
}

func TestStyleValidatorClean(t *testing.T) {
	v := NewStyleValidator(nil, testLogger())

	cleaned := v.Clean(map[string]string{
		"color":        "red",
		"behavior":     "url(evil.htc)",
		"background":   "blue", // not on allowlist
		"width":        "expression(alert(1))",
		"border-color": "#fff",
	})

	require.Equal(t, map[string]string{
		"color":        "red",
		"border-color": "#fff",
	}, cleaned)
}

func TestStyleValidatorValueSafe(t *testing.T) {
	v := NewStyleValidator(nil, testLogger())
	require.False(t, v.ValueSafe("JavaScript:alert(1)"))
	require.False(t, v.ValueSafe("eval(x)"))
	require.True(t, v.ValueSafe("1px solid black"))
}

func TestPropValidator(t *testing.T) {
	v := NewPropValidator(testLogger())
	schema := map[string]string{
		"text":    "string",
		"count":   "number",
		"enabled": "boolean",
		"items":   "array",
		"custom":  "mystery-type",
	}

	validated := v.Validate(map[string]any{
		"text":    "hello",
		"count":   "not-a-number",
		"enabled": true,
		"items":   []any{1.0, 2.0},
		"custom":  struct{}{}, // unknown type names are permissive
		"rogue":   "dropped",
	}, schema)

	require.Equal(t, map[string]any{
		"text":    "hello",
		"enabled": true,
		"items":   []any{1.0, 2.0},
		"custom":  struct{}{},
	}, validated)
}
