package dag_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/dag"
)

func TestExpandMatrix(t *testing.T) {
	t.Parallel()

	t.Run("Product", func(t *testing.T) {
		m := &core.Matrix{
			DimensionOrder: []string{"os", "go"},
			Dimensions: map[string][]string{
				"os": {"linux", "darwin"},
				"go": {"1.23", "1.24"},
			},
		}
		combos, err := dag.ExpandMatrix(m)
		require.NoError(t, err)
		require.Len(t, combos, 4)
		require.Equal(t, map[string]string{"os": "linux", "go": "1.23"}, combos[0].Values)
		require.Equal(t, map[string]string{"os": "darwin", "go": "1.24"}, combos[3].Values)
	})

	t.Run("IncludeAddsCell", func(t *testing.T) {
		m := &core.Matrix{
			DimensionOrder: []string{"os"},
			Dimensions:     map[string][]string{"os": {"linux"}},
			Include:        []map[string]string{{"os": "windows"}},
		}
		combos, err := dag.ExpandMatrix(m)
		require.NoError(t, err)
		require.Len(t, combos, 2)
		require.Equal(t, "windows", combos[1].Values["os"])
	})

	t.Run("IncludeDuplicateDropped", func(t *testing.T) {
		m := &core.Matrix{
			DimensionOrder: []string{"os"},
			Dimensions:     map[string][]string{"os": {"linux"}},
			Include:        []map[string]string{{"os": "linux"}},
		}
		combos, err := dag.ExpandMatrix(m)
		require.NoError(t, err)
		require.Len(t, combos, 1)
	})

	t.Run("ExcludeSubset", func(t *testing.T) {
		m := &core.Matrix{
			DimensionOrder: []string{"os", "go"},
			Dimensions: map[string][]string{
				"os": {"linux", "darwin"},
				"go": {"1.23", "1.24"},
			},
			Exclude: []map[string]string{{"os": "darwin"}},
		}
		combos, err := dag.ExpandMatrix(m)
		require.NoError(t, err)
		require.Len(t, combos, 2)
		for _, c := range combos {
			require.Equal(t, "linux", c.Values["os"])
		}
	})

	t.Run("EmptyMatrixIsError", func(t *testing.T) {
		m := &core.Matrix{
			DimensionOrder: []string{"os"},
			Dimensions:     map[string][]string{"os": {"linux"}},
			Exclude:        []map[string]string{{"os": "linux"}},
		}
		_, err := dag.ExpandMatrix(m)
		require.ErrorIs(t, err, core.ErrEmptyMatrix)
	})

	t.Run("DisplayName", func(t *testing.T) {
		m := &core.Matrix{
			DimensionOrder: []string{"os", "go"},
			Dimensions: map[string][]string{
				"os": {"linux"},
				"go": {"1.24"},
			},
		}
		combos, err := dag.ExpandMatrix(m)
		require.NoError(t, err)
		require.Equal(t, "test (os=linux, go=1.24)", combos[0].DisplayName("test"))
	})
}

func TestDisplayNameNoMatrix(t *testing.T) {
	t.Parallel()
	c := dag.Combination{}
	require.Equal(t, "build", c.DisplayName("build"))
}
