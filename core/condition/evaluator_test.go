package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateBool(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.EvaluateBool("value.total > 100.0",
		map[string]interface{}{"total": 250.0}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool("value.total > 100.0",
		map[string]interface{}{"total": 10.0}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateBool_JSONPathCompatibility(t *testing.T) {
	e := NewEvaluator()

	// $.field is rewritten to value.field before compilation
	ok, err := e.EvaluateBool(`$.status == "NEW"`,
		map[string]interface{}{"status": "NEW"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBool_ContextBinding(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.EvaluateBool(`ctx.operation == "U" && value.qty > 0.0`,
		map[string]interface{}{"qty": 3.0},
		map[string]interface{}{"operation": "U"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateBool_NonBooleanResult(t *testing.T) {
	e := NewEvaluator()

	_, err := e.EvaluateBool("value.total", map[string]interface{}{"total": 5.0}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not return boolean")
}

func TestEvaluate_EmptyExpression(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("", nil, nil)
	require.Error(t, err)
}

func TestCompile_BadExpression(t *testing.T) {
	e := NewEvaluator()
	err := e.Compile("value >>> 1")
	require.Error(t, err)
}

func TestCompile_PopulatesCache(t *testing.T) {
	e := NewEvaluator()

	require.NoError(t, e.Compile("value > 1"))
	assert.Equal(t, 1, e.CacheSize())

	// Evaluate reuses the compiled program
	ok, err := e.EvaluateBool("value > 1", 5, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}
