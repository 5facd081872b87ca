package userid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAndEqual(t *testing.T) {
	a := ID("  did:plc:Abc123  ")
	b := ID("did:plc:abc123")
	require.True(t, a.Equal(b))
	assert.Equal(t, Normalize(string(a)), Normalize(string(b)))
}

func TestHashStable(t *testing.T) {
	a := ID("did:plc:abc123")
	b := ID(" DID:PLC:ABC123 ")
	require.Len(t, a.Hash(), 16)
	assert.Equal(t, a.Hash(), b.Hash())

	c := ID("did:plc:other")
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestStoragePathKeyIsPathSafe(t *testing.T) {
	id := ID("did:plc:abc/123+xyz==")
	key := id.StoragePathKey()
	assert.NotContains(t, key, "/")
	assert.NotContains(t, key, "+")
	assert.NotContains(t, key, "=")
	assert.LessOrEqual(t, len(key), 64)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, ID("   ").IsEmpty())
	assert.False(t, ID("did:plc:x").IsEmpty())
}
