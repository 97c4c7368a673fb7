package wire

import "strconv"

// Opcode is the 1-word operation code that begins every message.
type Opcode uint32

const (
	GetBlockSize     Opcode = 100
	BlockSize        Opcode = 101
	HandshakeWorker  Opcode = 102
	Confirmation     Opcode = 103
	HandshakeClient  Opcode = 105

	OpCreate   Opcode = 200
	OpRead     Opcode = 202
	OpWrite    Opcode = 203
	OpTruncate Opcode = 204
	OpDelete   Opcode = 205
	OpTag      Opcode = 206
	OpCommit   Opcode = 207
	OpFlush    Opcode = 208
	OpEnd      Opcode = 209
	OpOK       Opcode = 210
	OpError    Opcode = 211
	ReadResult Opcode = 212

	OpPC           Opcode = 300
	ReadNotice     Opcode = 303
	QueryFinished  Opcode = 304
	DispatchEvict  Opcode = 305
	DispatchExec   Opcode = 306
	ExecError      Opcode = 307
)

// String renders the opcode's mnemonic name, falling back to its numeric
// value for anything unrecognised. Used in log fields and error messages.
func (o Opcode) String() string {
	switch o {
	case GetBlockSize:
		return "GET_BLOCK_SIZE"
	case BlockSize:
		return "BLOCK_SIZE"
	case HandshakeWorker:
		return "HANDSHAKE_WORKER"
	case Confirmation:
		return "CONFIRMATION"
	case HandshakeClient:
		return "HANDSHAKE_CLIENT"
	case OpCreate:
		return "OP_CREATE"
	case OpRead:
		return "OP_READ"
	case OpWrite:
		return "OP_WRITE"
	case OpTruncate:
		return "OP_TRUNCATE"
	case OpDelete:
		return "OP_DELETE"
	case OpTag:
		return "OP_TAG"
	case OpCommit:
		return "OP_COMMIT"
	case OpFlush:
		return "OP_FLUSH"
	case OpEnd:
		return "OP_END"
	case OpOK:
		return "OP_OK"
	case OpError:
		return "OP_ERROR"
	case ReadResult:
		return "READ_RESULT"
	case OpPC:
		return "OP_PC"
	case ReadNotice:
		return "READ_NOTICE"
	case QueryFinished:
		return "QUERY_FINISHED"
	case DispatchEvict:
		return "DISPATCH_EVICT"
	case DispatchExec:
		return "DISPATCH_EXEC"
	case ExecError:
		return "EXEC_ERROR"
	default:
		return "UNKNOWN(" + strconv.FormatUint(uint64(o), 10) + ")"
	}
}
