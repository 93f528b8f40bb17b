package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"path/filepath"
)

// KeyHash returns the hex SHA-256 of a cache key. Persistent tier files are
// named by it so arbitrary keys map to safe file names.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ShardedPath places a hashed key two directory levels deep so no single
// directory grows unbounded.
//
// Example: root/ab/cd/abcdef....entry
func ShardedPath(root, key, ext string) string {
	h := KeyHash(key)
	return filepath.Join(root, h[0:2], h[2:4], h+ext)
}

// Stripe maps a key onto one of n lock stripes.
func Stripe(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
