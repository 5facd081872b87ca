package kvstore

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "shared.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testGetSetRemove(t *testing.T, s Store) {
	_, present, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, s.Set("k1", "v1"))
	v, present, err := s.Get("k1")
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Remove("k1"))
	_, present, err = s.Get("k1")
	require.NoError(t, err)
	assert.False(t, present)

	// removing an absent key is not an error
	require.NoError(t, s.Remove("k1"))
}

func TestBuntStoreGetSetRemove(t *testing.T) {
	testGetSetRemove(t, openTestStore(t))
}

func TestMemStoreGetSetRemove(t *testing.T) {
	testGetSetRemove(t, newMemStore())
}

func testEnumerate(t *testing.T, s Store) {
	require.NoError(t, s.Set("prefix.a", "1"))
	require.NoError(t, s.Set("prefix.b", "2"))
	require.NoError(t, s.Set("other.c", "3"))

	got, err := s.Enumerate("prefix.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"prefix.a": "1", "prefix.b": "2"}, got)
}

func TestBuntStoreEnumerate(t *testing.T) {
	testEnumerate(t, openTestStore(t))
}

func TestMemStoreEnumerate(t *testing.T) {
	testEnumerate(t, newMemStore())
}

func testUpdateAtomicIncrement(t *testing.T, s Store) {
	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := s.Update("counter", func(current string, present bool) (string, bool) {
				v := 0
				if present {
					v, _ = strconv.Atoi(current)
				}
				return strconv.Itoa(v + 1), true
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, present, err := s.Get("counter")
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, strconv.Itoa(n), v)
}

func TestBuntStoreUpdateConcurrent(t *testing.T) {
	testUpdateAtomicIncrement(t, openTestStore(t))
}

func TestMemStoreUpdateConcurrent(t *testing.T) {
	testUpdateAtomicIncrement(t, newMemStore())
}

func TestOpenDegradesOnUnopenablePath(t *testing.T) {
	// A path inside a file (not a directory) cannot be opened as a buntdb file.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))

	s, err := Open(filepath.Join(blocker, "shared.db"), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s.Degraded())
}
