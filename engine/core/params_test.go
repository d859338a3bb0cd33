package core_test

import (
	"testing"

	"github.com/flowgate/flowgate/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Clone(t *testing.T) {
	t.Run("Should clone without sharing nested values", func(t *testing.T) {
		src := core.Params{
			"region": "eu",
			"limits": map[string]any{"max": 3},
		}
		clone, err := src.Clone()
		require.NoError(t, err)
		clone["region"] = "us"
		clone["limits"].(map[string]any)["max"] = 9

		assert.Equal(t, "eu", src["region"])
		assert.Equal(t, 3, src["limits"].(map[string]any)["max"])
	})

	t.Run("Should keep nil as nil", func(t *testing.T) {
		var src core.Params
		clone, err := src.Clone()
		require.NoError(t, err)
		assert.Nil(t, clone)
	})
}

func TestResult_Clone(t *testing.T) {
	t.Run("Should clone independently", func(t *testing.T) {
		src := core.Result{"output": []any{"a", "b"}}
		clone, err := src.Clone()
		require.NoError(t, err)
		clone["output"].([]any)[0] = "z"
		assert.Equal(t, "a", src["output"].([]any)[0])
	})
}

func TestParams_AsMap(t *testing.T) {
	t.Run("Should expose the underlying mapping", func(t *testing.T) {
		p := core.Params{"a": 1}
		assert.Equal(t, map[string]any{"a": 1}, p.AsMap())
		var empty core.Params
		assert.Nil(t, empty.AsMap())
	})
}
