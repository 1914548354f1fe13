package util

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashKey returns the xxhash64 of a serialized key.
func HashKey(serialized string) uint64 {
	return xxhash.Sum64String(serialized)
}

// StorageKey returns prefix + ":" + 16 hex chars of the key hash.
func StorageKey(prefix, serialized string) string {
	h := strconv.FormatUint(HashKey(serialized), 16)
	for len(h) < 16 {
		h = "0" + h
	}
	return prefix + ":" + h
}
