// Package wire implements shardquery's binary framing protocol: the fixed
// operation codes and length-prefixed encodings used between client and
// scheduler, scheduler and worker, and worker and storage.
//
// Every message on every channel starts with a big-endian uint32 opcode.
// Strings and byte payloads are length-prefixed with a big-endian uint32
// count followed by that many raw bytes. There is no framing envelope
// beyond this; each side knows, from the opcode, what fixed and
// variable-length fields follow.
package wire
