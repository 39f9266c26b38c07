package offlineengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyDeterministic(t *testing.T) {
	a := CacheKey("http", "https://api.example.com/invoices?page=1")
	b := CacheKey("http", "https://api.example.com/invoices?page=1")
	require.Equal(t, a, b)
	require.NotEqual(t, Key{}, a)
}

func TestCacheKeyNamespaceSeparation(t *testing.T) {
	a := CacheKey("http", "products")
	b := CacheKey("records", "products")
	require.NotEqual(t, a, b)

	// The separator prevents "ab"+"c" colliding with "a"+"bc".
	require.NotEqual(t, CacheKey("ab", "c"), CacheKey("a", "bc"))
}

func TestKeyShortString(t *testing.T) {
	k := CacheKey("http", "hello")
	short := k.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(k.String(), short))
}

func TestDigest(t *testing.T) {
	// BLAKE3 hash of the empty input.
	require.Equal(t, "blake3:af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", Digest(nil))

	d := Digest([]byte("invoice"))
	require.True(t, ValidDigest(d))
	require.NotEqual(t, d, Digest([]byte("invoices")))
}

func TestValidDigest(t *testing.T) {
	require.False(t, ValidDigest("sha256:"+strings.Repeat("a", 64)))
	require.False(t, ValidDigest("blake3:abc"))
	require.False(t, ValidDigest("blake3:"+strings.Repeat("g", 64)))
	require.True(t, ValidDigest("blake3:"+strings.Repeat("a", 64)))
}
