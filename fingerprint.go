package effectz

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"github.com/vmihailenco/msgpack/v5"
)

// Fingerprint returns the stable cache key for a (kind, params) pair.
// Equal inputs always produce equal fingerprints regardless of map
// iteration order: params are encoded with msgpack using sorted map keys
// (recursively, so nested maps are stable too) and hashed with FNV-1a.
//
// The kind is kept as a readable prefix so fingerprints group by family
// in logs and stats.
func Fingerprint(kind Kind, params Params) string {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	_ = enc.EncodeString(kind) //nolint:errcheck // bytes.Buffer writes cannot fail
	if err := enc.Encode(map[string]any(params)); err != nil {
		// Unencodable values (channels, funcs) fall back to fmt, which
		// also prints map keys in sorted order.
		fmt.Fprintf(&buf, "%v", map[string]any(params))
	}

	h := fnv.New64a()
	_, _ = h.Write(buf.Bytes()) //nolint:errcheck // fnv.Write never returns an error
	return fmt.Sprintf("%s:%016x", kind, h.Sum64())
}
