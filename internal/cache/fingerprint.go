package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Fingerprint returns a stable hash of a filter specification. Identical
// attribute sets always hash identically regardless of map iteration order.
func Fingerprint(filter map[string]string) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(filter[k]))
		_, _ = h.Write([]byte{';'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
