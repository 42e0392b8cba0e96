package codec

import (
	"bytes"
	"math/big"
	"time"
)

// Equal implements the comparison semantics putCAS needs: reference
// equality for scalars, byte-level equality for byte-strings, exact
// equality for bigints, and null matching only null. It is deliberately
// stricter than reflect.DeepEqual's default numeric handling would be if
// applied across int64/float64 boundaries: a field stored as int64 never
// equals a float64 expectation, matching the codec's fixed type tags.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case *big.Int:
		bv, ok := b.(*big.Int)
		return ok && av.Cmp(bv) == 0
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.UnixMilli() == bv.UnixMilli()
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []any:
		return Equal(List(av), b)
	case Value:
		bv, ok := asMap(b)
		return ok && mapEqual(map[string]any(av), bv)
	case map[string]any:
		bv, ok := asMap(b)
		return ok && mapEqual(av, bv)
	default:
		return a == b
	}
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case Value:
		return map[string]any(x), true
	case map[string]any:
		return x, true
	default:
		return nil, false
	}
}

func mapEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}
