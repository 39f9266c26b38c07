package offlineengine

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a derived cache key in bytes (256 bits).
const KeySize = 32

// digestPrefix is the algorithm prefix used for payload digests.
const digestPrefix = "blake3:"

// Key is a BLAKE3 digest identifying a cached response within a namespace.
type Key [KeySize]byte

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for logging.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// CacheKey derives the storage key for an identifier (usually a request URL)
// inside a cache namespace. The same identifier in two namespaces yields
// two different keys.
func CacheKey(namespace, identifier string) Key {
	h := blake3.New()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(identifier))
	var k Key
	h.Sum(k[:0])
	return k
}

// Digest returns the canonical "blake3:<hex>" digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s is a well formed digest produced by Digest.
func ValidDigest(s string) bool {
	hexPart, ok := strings.CutPrefix(s, digestPrefix)
	if !ok || len(hexPart) != KeySize*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
