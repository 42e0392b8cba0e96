// Package envelope implements the value-envelope wrapper that records an
// encryption flag and TTL expiry around a stored value. It sits strictly
// above the storage core: the core stores and retrieves an envelope as
// ordinary structured data and never interprets its reserved keys itself.
package envelope

import (
	"fmt"
	"time"

	"github.com/tholstrom/truckdb/internal/cipher"
	"github.com/tholstrom/truckdb/internal/codec"
)

// Reserved keys recognized by this wrapper and passed through untouched
// by the storage core.
const (
	KeyWrapped   = "_zWrapped"
	KeyEncrypted = "_isEncrypted"
	KeyExpiry    = "_expiry"
	KeyData      = "data"
)

// Error is raised when decryption fails or a cipher was required but not
// supplied; returned by the wrapper, never by the core.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("envelope: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Wrap serializes value and produces the reserved-key envelope stored in
// its place. ttl of zero means no expiry; a negative ttl yields an expiry
// already in the past. When encrypt is true, c must be non-nil.
func Wrap(value codec.Value, encrypt bool, ttl time.Duration, c cipher.Cipher) (codec.Value, error) {
	raw, err := codec.EncodeValue(value)
	if err != nil {
		return nil, &Error{Op: "wrap", Err: err}
	}

	if encrypt {
		if c == nil {
			return nil, &Error{Op: "wrap", Err: fmt.Errorf("encryption requested but no cipher configured")}
		}
		raw, err = c.Encrypt(raw)
		if err != nil {
			return nil, &Error{Op: "wrap", Err: err}
		}
	}

	out := codec.Value{
		KeyWrapped:   true,
		KeyEncrypted: encrypt,
		KeyData:      raw,
	}
	if ttl != 0 {
		out[KeyExpiry] = time.Now().Add(ttl)
	} else {
		out[KeyExpiry] = nil
	}
	return out, nil
}

// IsWrapped reports whether v carries this wrapper's envelope shape.
func IsWrapped(v codec.Value) bool {
	wrapped, ok := v[KeyWrapped].(bool)
	return ok && wrapped
}

// IsExpired reports whether v's TTL has elapsed. A value with no expiry
// set is never expired.
func IsExpired(v codec.Value) bool {
	expiry, ok := v[KeyExpiry].(time.Time)
	if !ok {
		return false
	}
	return time.Now().After(expiry)
}

// Unwrap decodes the inner value out of an envelope, decrypting first if
// KeyEncrypted is set. The caller is expected to have already checked
// IsExpired and performed lazy deletion before calling Unwrap; Unwrap
// itself does not delete anything, since it has no handle back to the
// owning truck.
func Unwrap(v codec.Value, c cipher.Cipher) (codec.Value, error) {
	raw, ok := v[KeyData].([]byte)
	if !ok {
		return nil, &Error{Op: "unwrap", Err: fmt.Errorf("envelope missing %q", KeyData)}
	}

	if encrypted, _ := v[KeyEncrypted].(bool); encrypted {
		if c == nil {
			return nil, &Error{Op: "unwrap", Err: fmt.Errorf("value is encrypted but no cipher configured")}
		}
		decrypted, err := c.Decrypt(raw)
		if err != nil {
			return nil, &Error{Op: "unwrap", Err: err}
		}
		raw = decrypted
	}

	inner, err := codec.DecodeValue(raw)
	if err != nil {
		return nil, &Error{Op: "unwrap", Err: err}
	}
	return inner, nil
}

// ExpireFunc deletes the tag an expired envelope was read from. It's the
// lazy-delete callback a caller wires back into store.Truck.RemoveTag (or
// registry.Registry.RemoveTag) after observing IsExpired.
type ExpireFunc func(box, tag string) error

// Resolve is the convenience entry point combining IsWrapped, expiry
// checking with lazy deletion, and Unwrap in one call. found is false
// when the tag had expired and was deleted. A value that was never
// wrapped is returned verbatim with found set to true.
func Resolve(box, tag string, stored codec.Value, c cipher.Cipher, expire ExpireFunc) (value codec.Value, found bool, err error) {
	if !IsWrapped(stored) {
		return stored, true, nil
	}
	if IsExpired(stored) {
		if expire != nil {
			if err := expire(box, tag); err != nil {
				return nil, false, &Error{Op: "resolve", Err: err}
			}
		}
		return nil, false, nil
	}
	inner, err := Unwrap(stored, c)
	if err != nil {
		return nil, false, err
	}
	return inner, true, nil
}
