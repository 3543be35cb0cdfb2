package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	uri, err := s.PutObject(context.Background(), "articles/batch_000001.csv", "text/csv", bytes.NewReader([]byte("id,title\n")))
	require.NoError(t, err)
	require.Equal(t, "memory://articles/batch_000001.csv", uri)

	payload, ok := s.Get("articles/batch_000001.csv")
	require.True(t, ok)
	require.Equal(t, []byte("id,title\n"), payload)
	require.Equal(t, 1, s.Len())
}

func TestStore_AppendOnly(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_, err := s.PutObject(context.Background(), "a.csv", "text/csv", bytes.NewReader([]byte("one")))
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "a.csv", "text/csv", bytes.NewReader([]byte("two")))
	require.Error(t, err)

	payload, ok := s.Get("a.csv")
	require.True(t, ok)
	require.Equal(t, []byte("one"), payload)
}
