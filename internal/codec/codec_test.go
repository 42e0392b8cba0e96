package codec

import (
	"math/big"
	"testing"
	"time"
)

// TestRoundTrip exercises P1: for every encodable value v,
// decode(encode(v)) = v after normalization.
func TestRoundTrip(t *testing.T) {
	bigVal, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	now := time.UnixMilli(1700000000123).UTC()

	cases := []struct {
		name string
		in   any
	}{
		{"null", nil},
		{"bool true", true},
		{"bool false", false},
		{"int", int64(-42)},
		{"int zero", int64(0)},
		{"double", 3.14159},
		{"string", "hello, truckdb"},
		{"empty string", ""},
		{"bytestring", []byte{0x00, 0xFF, 0x10, 0x02}},
		{"datetime", now},
		{"bigint", bigVal},
		{"list", List{int64(1), "two", nil, true}},
		{"nested map", Value{"name": "Alice", "age": int64(30)}},
		{"nested list of maps", List{Value{"a": int64(1)}, Value{"b": int64(2)}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := Encode(tc.in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			dec, n, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if n != len(enc) {
				t.Fatalf("Decode consumed %d bytes, want %d", n, len(enc))
			}
			if !Equal(normalize(tc.in), normalize(dec)) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", dec, tc.in)
			}
		})
	}
}

// normalize maps the untyped literals used in test cases onto the types
// Decode actually produces (int -> int64) so Equal compares like with
// like.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case List:
		out := make(List, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case Value:
		out := make(Value, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, _, err := Decode([]byte{0xEE})
	if err == nil {
		t.Fatal("expected error decoding unknown type tag")
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	enc, err := Encode("a reasonably long string payload")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, _, err = Decode(enc[:len(enc)-2])
	if err == nil {
		t.Fatal("expected error decoding truncated buffer")
	}
}

func TestDecodeMapKeyIsAlwaysString(t *testing.T) {
	v := Value{"k1": int64(1), "k2": "v2"}
	enc, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeValue(enc)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if got["k1"] != int64(1) || got["k2"] != "v2" {
		t.Fatalf("unexpected decoded map: %#v", got)
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	type unsupported struct{ X int }
	_, err := Encode(unsupported{X: 1})
	if err == nil {
		t.Fatal("expected error encoding unsupported type")
	}
}
