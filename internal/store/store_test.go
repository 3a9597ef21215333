package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "service/alpha", []byte("a")))
	require.NoError(t, s.Set(ctx, "service/beta", []byte("b")))
	require.NoError(t, s.Set(ctx, "port/8000", []byte("alpha")))

	v, ok, err := s.Get(ctx, "service/alpha")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", string(v))

	listed, err := s.List(ctx, "service/")
	require.NoError(t, err)
	assert.Equal(t, []string{"service/alpha", "service/beta"}, SortedKeys(listed))

	require.NoError(t, s.Delete(ctx, "service/alpha"))
	_, ok, err = s.Get(ctx, "service/alpha")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Set(ctx, "", nil), ErrEmptyKey)
}

func TestMemory_CRUD(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFile_CRUD(t *testing.T) {
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestFile_ReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k1", []byte("v1")))
	require.NoError(t, s.Set(ctx, "k2", []byte("v2")))
	require.NoError(t, s.Delete(ctx, "k1"))
	require.NoError(t, s.Close())

	s2, err := OpenFile(dir)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, _ := s2.Get(ctx, "k1")
	assert.False(t, ok)
	v, ok, _ := s2.Get(ctx, "k2")
	assert.True(t, ok)
	assert.Equal(t, "v2", string(v))
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type rec struct {
		Name string `json:"name"`
		Port int    `json:"port"`
	}
	require.NoError(t, SetJSON(ctx, s, "r", rec{Name: "alpha", Port: 8000}))

	var got rec
	ok, err := GetJSON(ctx, s, "r", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rec{Name: "alpha", Port: 8000}, got)

	ok, err = GetJSON(ctx, s, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Set(ctx, fmt.Sprintf("k/%d", i), []byte("v"))
		}(i)
	}
	wg.Wait()

	all, err := s.List(ctx, "k/")
	require.NoError(t, err)
	assert.Len(t, all, 50)
}
