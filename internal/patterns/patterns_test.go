package patterns

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/drover/internal/models"
)

const seed = `
patterns:
  - name: lobby
    type: lobby
    ram: 1G
    priority: 1
    min: 2
    max: 4
  - name: game
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// TestLoad verifies parsing and defaults.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	writeFile(t, path, seed)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, models.ServerPattern{Name: "lobby", Type: "lobby", Ram: "1G", Priority: 1, Min: 2, Max: 4}, loaded[0])
	assert.Equal(t, models.DefaultPatternType, loaded[1].Type)
	assert.Equal(t, models.DefaultPatternMax, loaded[1].Max)
}

// TestLoadRejectsInvalid verifies bad names, bounds and duplicates fail the whole file.
func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"name":      "patterns:\n  - name: \"bad name\"\n",
		"bounds":    "patterns:\n  - name: lobby\n    min: 5\n    max: 2\n",
		"duplicate": "patterns:\n  - name: lobby\n  - name: lobby\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "patterns.yaml")
			writeFile(t, path, content)

			_, err := Load(path)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

// TestWatchReloads verifies edits to the file are delivered once loaded.
func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	writeFile(t, path, seed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []models.ServerPattern, 8)
	require.NoError(t, Watch(ctx, path, 20*time.Millisecond, func(p []models.ServerPattern) { changes <- p }))

	writeFile(t, path, "patterns:\n  - name: arena\n    max: 3\n")

	select {
	case got := <-changes:
		require.Len(t, got, 1)
		assert.Equal(t, "arena", got[0].Name)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
}
