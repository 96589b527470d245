package base

import (
	"github.com/cespare/xxhash/v2"
)

// Key represents a cache key with its precomputed 32-bit index hash.
type Key struct {
	raw  string
	hash uint32
}

// NewKey creates a Key, hashing the raw bytes once.
func NewKey(raw string) Key {
	return Key{
		raw:  raw,
		hash: HashKey(raw),
	}
}

// HashKey folds the 64-bit xxhash of the key into the 32 bits stored by the
// index. Both halves take part so that the bucket bits and the id bits are
// equally well mixed.
func HashKey(raw string) uint32 {
	h := xxhash.Sum64String(raw)
	return uint32(h) ^ uint32(h>>32)
}

// Raw returns the raw key
func (k Key) Raw() string {
	return k.raw
}

// Hash returns the 32-bit index hash
func (k Key) Hash() uint32 {
	return k.hash
}

// String returns the key as a string
func (k Key) String() string {
	return k.raw
}
