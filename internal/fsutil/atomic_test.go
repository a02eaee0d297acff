package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 1}, 0o600))
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 2}, 0o600))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 2, got["n"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadJSONMissing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
