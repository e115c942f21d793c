package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTagMap(t *testing.T) {
	t.Run("loads worker types", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "service_tags.yaml")
		content := `
types:
  gpu-large:
    - inference
    - training
    - embedding
  cpu-batch:
    - transcode
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		tm, err := LoadTagMap(path)
		require.NoError(t, err)
		assert.Len(t, tm.Types, 2)
		assert.Equal(t, []string{"inference", "training", "embedding"}, tm.Types["gpu-large"])
	})

	t.Run("missing file yields empty map", func(t *testing.T) {
		tm, err := LoadTagMap(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Empty(t, tm.Types)
	})

	t.Run("empty path falls back to default location", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("HOME", tmpDir)

		// No ~/.weft/service_tags.yaml: still no error
		tm, err := LoadTagMap("")
		require.NoError(t, err)
		assert.Empty(t, tm.Types)

		// Drop a map in the default location and reload
		weftDir := filepath.Join(tmpDir, ".weft")
		require.NoError(t, os.MkdirAll(weftDir, 0755))
		content := "types:\n  gpu:\n    - inference\n"
		require.NoError(t, os.WriteFile(filepath.Join(weftDir, "service_tags.yaml"), []byte(content), 0644))

		tm, err = LoadTagMap("")
		require.NoError(t, err)
		assert.Equal(t, []string{"inference"}, tm.Types["gpu"])
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "service_tags.yaml")
		require.NoError(t, os.WriteFile(path, []byte("types: [not: a: map"), 0644))

		_, err := LoadTagMap(path)
		assert.Error(t, err)
	})
}

func TestTagMapExpand(t *testing.T) {
	tm := &TagMap{Types: map[string][]string{
		"gpu-large": {"inference", "training", "embedding"},
		"cpu-batch": {"transcode"},
		"alias":     {"cpu-batch"}, // names another type, must not recurse
	}}

	t.Run("type expands to its tags plus itself", func(t *testing.T) {
		expanded := tm.Expand([]string{"gpu-large"})
		assert.Equal(t, []string{"embedding", "gpu-large", "inference", "training"}, expanded)
	})

	t.Run("unknown tag passes through as identity", func(t *testing.T) {
		expanded := tm.Expand([]string{"inference"})
		assert.Equal(t, []string{"inference"}, expanded)
	})

	t.Run("overlapping tags deduplicate", func(t *testing.T) {
		expanded := tm.Expand([]string{"gpu-large", "inference", "cpu-batch"})
		assert.Equal(t, []string{"cpu-batch", "embedding", "gpu-large", "inference", "training", "transcode"}, expanded)
	})

	t.Run("expansion is single level", func(t *testing.T) {
		expanded := tm.Expand([]string{"alias"})
		// cpu-batch appears because alias lists it, but transcode does not:
		// entries inside a type are taken literally
		assert.Equal(t, []string{"alias", "cpu-batch"}, expanded)
	})

	t.Run("empty tags are dropped", func(t *testing.T) {
		expanded := tm.Expand([]string{"", "inference"})
		assert.Equal(t, []string{"inference"}, expanded)
	})

	t.Run("nil map is identity", func(t *testing.T) {
		var empty *TagMap
		expanded := empty.Expand([]string{"inference", "training"})
		assert.Equal(t, []string{"inference", "training"}, expanded)
	})
}
