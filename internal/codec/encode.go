package codec

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/big"
	"time"
)

// Encode serializes v with a leading type-tag byte followed by
// type-specific payload, per the ValueCodec framing. v must be one of the
// supported types (see supported); encoding an unsupported type is a
// caller bug and returns a *Error.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeValue is a convenience wrapper for the common case of encoding a
// top-level record value.
func EncodeValue(v Value) ([]byte, error) {
	return Encode(v)
}

func encodeInto(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(TagNull)
		return nil
	case bool:
		buf.WriteByte(TagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case int:
		return encodeInto(buf, int64(x))
	case int64:
		buf.WriteByte(TagInt)
		putU64(buf, uint64(x))
		return nil
	case float64:
		buf.WriteByte(TagDouble)
		putU64(buf, math.Float64bits(x))
		return nil
	case string:
		buf.WriteByte(TagString)
		putLenPrefixed(buf, []byte(x))
		return nil
	case []byte:
		buf.WriteByte(TagByteString)
		putLenPrefixed(buf, x)
		return nil
	case time.Time:
		buf.WriteByte(TagDatetime)
		putU64(buf, uint64(x.UnixMilli()))
		return nil
	case *big.Int:
		if x == nil {
			buf.WriteByte(TagNull)
			return nil
		}
		buf.WriteByte(TagBigInt)
		putLenPrefixed(buf, []byte(x.String()))
		return nil
	case List:
		return encodeList(buf, []any(x))
	case []any:
		return encodeList(buf, x)
	case Value:
		return encodeMap(buf, map[string]any(x))
	case map[string]any:
		return encodeMap(buf, x)
	default:
		return newError("encode", "unsupported value type %T", v)
	}
}

func encodeList(buf *bytes.Buffer, items []any) error {
	buf.WriteByte(TagList)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(items)))
	buf.Write(lenBuf[:])
	for _, item := range items {
		if err := encodeInto(buf, item); err != nil {
			return err
		}
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	buf.WriteByte(TagMap)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(m)))
	buf.Write(lenBuf[:])
	for k, val := range m {
		putLenPrefixed(buf, []byte(k))
		if err := encodeInto(buf, val); err != nil {
			return err
		}
	}
	return nil
}

func putLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
