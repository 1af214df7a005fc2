package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_EmptySourceLeavesDocument(t *testing.T) {
	dst := map[string]any{
		"a": map[string]any{"b": 1.0},
		"l": []any{1.0, 2.0},
		"s": "x",
	}
	got := Merge(dst, map[string]any{})
	assert.Equal(t, dst, got)
}

func TestMerge_NestedObjectsCombine(t *testing.T) {
	doc := Merge(map[string]any{}, map[string]any{"a": map[string]any{"b": 1.0}})
	doc = Merge(doc, map[string]any{"a": map[string]any{"c": 2.0}})
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}}, doc)
}

func TestMerge_ArraysAndScalarsReplace(t *testing.T) {
	dst := map[string]any{
		"list":  []any{1.0, 2.0, 3.0},
		"n":     1.0,
		"obj":   map[string]any{"k": "v"},
		"plain": "text",
	}
	src := map[string]any{
		"list":  []any{9.0},
		"n":     "now a string",
		"obj":   5.0,
		"plain": map[string]any{"x": true},
	}
	got := Merge(dst, src)
	assert.Equal(t, []any{9.0}, got["list"])
	assert.Equal(t, "now a string", got["n"])
	assert.Equal(t, 5.0, got["obj"])
	assert.Equal(t, map[string]any{"x": true}, got["plain"])
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	inner := map[string]any{"b": 1.0}
	dst := map[string]any{"a": inner}
	src := map[string]any{"a": map[string]any{"c": 2.0}}

	got := Merge(dst, src)
	got["a"].(map[string]any)["b"] = 42.0

	assert.Equal(t, 1.0, inner["b"])
	assert.NotContains(t, inner, "c")
}

func TestParseObject(t *testing.T) {
	obj, err := ParseObject([]byte(`{"command":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, obj["command"])

	_, err = ParseObject([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = ParseObject([]byte(`{"broken"`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotObject)
}
