// Package codec implements the self-describing binary encoding used for
// every record payload stored by a truck: a one-byte type tag followed by
// type-specific framing, recursively, so a Value's nested lists and maps
// round-trip without a schema.
package codec

import (
	"math/big"
	"time"
)

// Value is a structured, heterogeneous record: an ordered string-keyed
// mapping whose entries may themselves be any of the supported scalar or
// container types. Go maps do not preserve insertion order; callers that
// care about field order for display purposes must track it separately.
type Value map[string]any

// Type tag bytes, fixed by the on-disk format. Do not renumber; existing
// data files depend on these values.
const (
	TagNull       byte = 0
	TagBool       byte = 1
	TagInt        byte = 2
	TagDouble     byte = 3
	TagString     byte = 4
	TagList       byte = 5
	TagMap        byte = 6
	TagDatetime   byte = 7
	TagByteString byte = 8
	TagBigInt     byte = 9
)

// List is the decoded shape of a TagList payload.
type List []any

// supported reports whether v is one of the types Encode knows how to
// frame. Decode only ever produces these types, so round-tripped values
// always satisfy it.
func supported(v any) bool {
	switch v.(type) {
	case nil, bool, int, int64, float64, string, []byte, time.Time, *big.Int, List, []any, Value, map[string]any:
		return true
	default:
		return false
	}
}
