package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestStore_WritesArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "articles/batch_000001.csv", "text/csv", bytes.NewReader([]byte("id\n1\n")))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	payload, err := os.ReadFile(filepath.Join(dir, "articles", "batch_000001.csv"))
	require.NoError(t, err)
	require.Equal(t, "id\n1\n", string(payload))
}

func TestStore_RefusesOverwrite(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.PutObject(ctx, "batch.csv", "text/csv", bytes.NewReader([]byte("one")))
	require.NoError(t, err)

	_, err = s.PutObject(ctx, "batch.csv", "text/csv", bytes.NewReader([]byte("two")))
	require.Error(t, err)
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../escape.csv", "text/csv", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestStore_LeavesNoTempFilesBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "batch.csv", "text/csv", bytes.NewReader([]byte("ok")))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".artifact-"), "temp file left behind: %s", e.Name())
	}
}
