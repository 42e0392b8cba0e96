package codec

import "fmt"

// Error reports a codec failure: an unsupported type on encode, an unknown
// type tag, a non-string map key, or a malformed length prefix on decode.
// Per the error handling design, a CodecError is fatal on encode (it
// indicates a caller bug) but treated as "record absent, log and continue"
// by callers decoding during a read or a recovery scan.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %s", e.Op, e.Msg)
}

func newError(op, format string, args ...any) *Error {
	return &Error{Op: op, Msg: fmt.Sprintf(format, args...)}
}
