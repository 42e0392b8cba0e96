package codec

import (
	"encoding/binary"
	"math"
	"math/big"
	"time"
)

const maxReasonableLength = 64 << 20 // 64 MiB guards against garbage length prefixes during recovery.

// decoder walks a byte slice left to right, tracking how many bytes have
// been consumed so callers that frame multiple values back to back (or
// need to know where a record's payload ends) can keep going.
type decoder struct {
	buf []byte
	pos int
}

// Decode parses one encoded value starting at the beginning of b and
// returns it along with the number of bytes consumed. Trailing bytes in b
// beyond the decoded value are not an error; callers that expect b to
// contain exactly one value should check the returned length themselves.
func Decode(b []byte) (any, int, error) {
	d := &decoder{buf: b}
	v, err := d.decodeValue()
	if err != nil {
		return nil, d.pos, err
	}
	return v, d.pos, nil
}

// DecodeValue decodes b as a top-level record value (a map).
func DecodeValue(b []byte) (Value, error) {
	v, _, err := Decode(b)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Value)
	if !ok {
		return nil, newError("decode", "top-level payload is not a map (tag produced %T)", v)
	}
	return m, nil
}

func (d *decoder) decodeValue() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagNull:
		return nil, nil
	case TagBool:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case TagInt:
		u, err := d.readU64()
		if err != nil {
			return nil, err
		}
		return int64(u), nil
	case TagDouble:
		u, err := d.readU64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	case TagString:
		s, err := d.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		return string(s), nil
	case TagByteString:
		s, err := d.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), s...), nil
	case TagDatetime:
		u, err := d.readU64()
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(u)).UTC(), nil
	case TagBigInt:
		s, err := d.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(string(s), 10)
		if !ok {
			return nil, newError("decode", "malformed bigint literal %q", s)
		}
		return n, nil
	case TagList:
		count, err := d.readU32()
		if err != nil {
			return nil, err
		}
		items := make(List, 0, count)
		for i := uint32(0); i < count; i++ {
			v, err := d.decodeValue()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case TagMap:
		count, err := d.readU32()
		if err != nil {
			return nil, err
		}
		m := make(Value, count)
		for i := uint32(0); i < count; i++ {
			keyBytes, err := d.readLenPrefixed()
			if err != nil {
				return nil, err
			}
			// Map keys must be strings on decode; the framing always writes
			// a length-prefixed UTF-8 key, so this can only fail on a
			// corrupt or truncated buffer rather than a genuine type error.
			val, err := d.decodeValue()
			if err != nil {
				return nil, err
			}
			m[string(keyBytes)] = val
		}
		return m, nil
	default:
		return nil, newError("decode", "unknown type tag %d", tag)
	}
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, newError("decode", "unexpected end of buffer reading tag byte")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readU32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, newError("decode", "unexpected end of buffer reading u32")
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *decoder) readU64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, newError("decode", "unexpected end of buffer reading u64")
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *decoder) readLenPrefixed() ([]byte, error) {
	n, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if n > maxReasonableLength {
		return nil, newError("decode", "length prefix %d exceeds sanity bound", n)
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, newError("decode", "unexpected end of buffer reading %d-byte payload", n)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}
