package wire

import "errors"

// ErrShortRead is returned when a peer closes the connection mid-frame.
var ErrShortRead = errors.New("wire: short read")

// ErrBadOpcode is returned when a message's opcode is not one the reader
// expected in the current protocol state.
var ErrBadOpcode = errors.New("wire: unexpected opcode")

// ErrPayloadTooLarge guards against a corrupt or hostile length prefix
// causing an unbounded allocation.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum frame size")

// MaxPayload bounds any single length-prefixed field read from the wire.
const MaxPayload = 64 << 20 // 64 MiB
