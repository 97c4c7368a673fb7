package wire

import (
	"fmt"
	"strings"

	"github.com/shardquery/shardquery/pkg/types"
)

// EncodeFileTag encodes ft as a single "file:tag" string, the convention used
// throughout the client/worker/storage wire messages.
func EncodeFileTag(e *Encoder, ft types.FileTag) error {
	return e.String(ft.String())
}

// DecodeFileTag reads a "file:tag" string and splits it on the last colon.
// A string with no colon is treated as file with the default tag.
func DecodeFileTag(d *Decoder) (types.FileTag, error) {
	s, err := d.String()
	if err != nil {
		return types.FileTag{}, err
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return types.FileTag{File: s, Tag: types.DefaultTag}, nil
	}
	tag := s[i+1:]
	if tag == "" {
		tag = types.DefaultTag
	}
	return types.FileTag{File: s[:i], Tag: tag}, nil
}

// --- Client <-> scheduler ---

// SubmitQuery is sent by a client after a successful handshake to submit a
// new query for scheduling.
type SubmitQuery struct {
	ScriptPath string
	Priority   int32
}

func (m SubmitQuery) Encode(e *Encoder) error {
	if err := e.String(m.ScriptPath); err != nil {
		return err
	}
	return e.Int32(m.Priority)
}

func DecodeSubmitQuery(d *Decoder) (SubmitQuery, error) {
	var m SubmitQuery
	var err error
	if m.ScriptPath, err = d.String(); err != nil {
		return m, err
	}
	if m.Priority, err = d.Int32(); err != nil {
		return m, err
	}
	return m, nil
}

// ReadResultMsg carries a streamed READ result, either scheduler->client or
// worker->scheduler.
type ReadResultMsg struct {
	QueryID uint32
	FileTag types.FileTag
	Data    []byte
}

func (m ReadResultMsg) Encode(e *Encoder) error {
	if err := e.Opcode(ReadResult); err != nil {
		return err
	}
	if err := e.Uint32(m.QueryID); err != nil {
		return err
	}
	if err := EncodeFileTag(e, m.FileTag); err != nil {
		return err
	}
	return e.Bytes(m.Data)
}

func DecodeReadResultBody(d *Decoder) (ReadResultMsg, error) {
	var m ReadResultMsg
	var err error
	if m.QueryID, err = d.Uint32(); err != nil {
		return m, err
	}
	if m.FileTag, err = DecodeFileTag(d); err != nil {
		return m, err
	}
	if m.Data, err = d.Bytes(); err != nil {
		return m, err
	}
	return m, nil
}

// QueryFinishedMsg notifies that a query has reached EXIT, with a
// human-readable reason ("end of script", "client disconnected", ...).
type QueryFinishedMsg struct {
	QueryID uint32
	Reason  string
}

func (m QueryFinishedMsg) Encode(e *Encoder) error {
	if err := e.Opcode(QueryFinished); err != nil {
		return err
	}
	if err := e.Uint32(m.QueryID); err != nil {
		return err
	}
	return e.String(m.Reason)
}

func DecodeQueryFinishedBody(d *Decoder) (QueryFinishedMsg, error) {
	var m QueryFinishedMsg
	var err error
	if m.QueryID, err = d.Uint32(); err != nil {
		return m, err
	}
	if m.Reason, err = d.String(); err != nil {
		return m, err
	}
	return m, nil
}

// ExecErrorMsg reports a critical, query-terminating error.
type ExecErrorMsg struct {
	QueryID uint32
	Message string
}

func (m ExecErrorMsg) Encode(e *Encoder) error {
	if err := e.Opcode(ExecError); err != nil {
		return err
	}
	if err := e.Uint32(m.QueryID); err != nil {
		return err
	}
	return e.String(m.Message)
}

func DecodeExecErrorBody(d *Decoder) (ExecErrorMsg, error) {
	var m ExecErrorMsg
	var err error
	if m.QueryID, err = d.Uint32(); err != nil {
		return m, err
	}
	if m.Message, err = d.String(); err != nil {
		return m, err
	}
	return m, nil
}

// --- Scheduler <-> worker ---

// DispatchExecMsg assigns a query to a worker, starting (or resuming) at PC.
type DispatchExecMsg struct {
	QueryID    int32
	PC         int32
	ScriptPath string
}

func (m DispatchExecMsg) Encode(e *Encoder) error {
	if err := e.Opcode(DispatchExec); err != nil {
		return err
	}
	if err := e.Int32(m.QueryID); err != nil {
		return err
	}
	if err := e.Int32(m.PC); err != nil {
		return err
	}
	return e.String(m.ScriptPath)
}

func DecodeDispatchExecBody(d *Decoder) (DispatchExecMsg, error) {
	var m DispatchExecMsg
	var err error
	if m.QueryID, err = d.Int32(); err != nil {
		return m, err
	}
	if m.PC, err = d.Int32(); err != nil {
		return m, err
	}
	if m.ScriptPath, err = d.String(); err != nil {
		return m, err
	}
	return m, nil
}

// ReadNoticeMsg tells the scheduler a worker is about to stream a READ
// result for query id.
type ReadNoticeMsg struct {
	QueryID uint32
}

func (m ReadNoticeMsg) Encode(e *Encoder) error {
	if err := e.Opcode(ReadNotice); err != nil {
		return err
	}
	return e.Uint32(m.QueryID)
}

func DecodeReadNoticeBody(d *Decoder) (ReadNoticeMsg, error) {
	id, err := d.Uint32()
	return ReadNoticeMsg{QueryID: id}, err
}

// OpEndMsg tells the scheduler a worker finished executing a query's script
// (normal termination, not error).
type OpEndMsg struct {
	QueryID uint32
}

func (m OpEndMsg) Encode(e *Encoder) error {
	if err := e.Opcode(OpEnd); err != nil {
		return err
	}
	return e.Uint32(m.QueryID)
}

func DecodeOpEndBody(d *Decoder) (OpEndMsg, error) {
	id, err := d.Uint32()
	return OpEndMsg{QueryID: id}, err
}

// WorkerHandshakeMsg is a worker's self-identification to the scheduler.
type WorkerHandshakeMsg struct {
	WorkerID string
}

func (m WorkerHandshakeMsg) Encode(e *Encoder) error {
	if err := e.Opcode(HandshakeWorker); err != nil {
		return err
	}
	return e.String(m.WorkerID)
}

func DecodeWorkerHandshakeBody(d *Decoder) (WorkerHandshakeMsg, error) {
	id, err := d.String()
	return WorkerHandshakeMsg{WorkerID: id}, err
}

// --- Worker <-> storage ---

// StorageRequestHeader precedes every worker->storage operation: the
// query's current program counter, for attributing log lines, followed by
// the operation's own opcode and payload.
type StorageRequestHeader struct {
	PC int32
}

func (m StorageRequestHeader) Encode(e *Encoder) error {
	if err := e.Opcode(OpPC); err != nil {
		return err
	}
	return e.Int32(m.PC)
}

func DecodeStorageRequestHeader(d *Decoder) (StorageRequestHeader, error) {
	pc, err := d.Int32()
	return StorageRequestHeader{PC: pc}, err
}

// CreateReq is the OP_CREATE payload: the (file, tag) to create.
type CreateReq struct {
	FileTag types.FileTag
}

func (m CreateReq) Encode(e *Encoder) error { return EncodeFileTag(e, m.FileTag) }

func DecodeCreateReq(d *Decoder) (CreateReq, error) {
	ft, err := DecodeFileTag(d)
	return CreateReq{FileTag: ft}, err
}

// TruncateReq is the OP_TRUNCATE payload.
type TruncateReq struct {
	FileTag types.FileTag
	Size    uint64
}

func (m TruncateReq) Encode(e *Encoder) error {
	if err := EncodeFileTag(e, m.FileTag); err != nil {
		return err
	}
	return e.Uint64(m.Size)
}

func DecodeTruncateReq(d *Decoder) (TruncateReq, error) {
	var m TruncateReq
	var err error
	if m.FileTag, err = DecodeFileTag(d); err != nil {
		return m, err
	}
	if m.Size, err = d.Uint64(); err != nil {
		return m, err
	}
	return m, nil
}

// WriteReq is the OP_WRITE payload.
type WriteReq struct {
	FileTag types.FileTag
	Offset  uint64
	Content []byte
}

func (m WriteReq) Encode(e *Encoder) error {
	if err := EncodeFileTag(e, m.FileTag); err != nil {
		return err
	}
	if err := e.Uint64(m.Offset); err != nil {
		return err
	}
	return e.Bytes(m.Content)
}

func DecodeWriteReq(d *Decoder) (WriteReq, error) {
	var m WriteReq
	var err error
	if m.FileTag, err = DecodeFileTag(d); err != nil {
		return m, err
	}
	if m.Offset, err = d.Uint64(); err != nil {
		return m, err
	}
	if m.Content, err = d.Bytes(); err != nil {
		return m, err
	}
	return m, nil
}

// ReadReq is the OP_READ payload.
type ReadReq struct {
	FileTag types.FileTag
	Offset  uint64
	Size    uint64
}

func (m ReadReq) Encode(e *Encoder) error {
	if err := EncodeFileTag(e, m.FileTag); err != nil {
		return err
	}
	if err := e.Uint64(m.Offset); err != nil {
		return err
	}
	return e.Uint64(m.Size)
}

func DecodeReadReq(d *Decoder) (ReadReq, error) {
	var m ReadReq
	var err error
	if m.FileTag, err = DecodeFileTag(d); err != nil {
		return m, err
	}
	if m.Offset, err = d.Uint64(); err != nil {
		return m, err
	}
	if m.Size, err = d.Uint64(); err != nil {
		return m, err
	}
	return m, nil
}

// TagReq is the OP_TAG payload: fork src into dst (same file).
type TagReq struct {
	Src types.FileTag
	Dst types.FileTag
}

func (m TagReq) Encode(e *Encoder) error {
	if err := EncodeFileTag(e, m.Src); err != nil {
		return err
	}
	return EncodeFileTag(e, m.Dst)
}

func DecodeTagReq(d *Decoder) (TagReq, error) {
	var m TagReq
	var err error
	if m.Src, err = DecodeFileTag(d); err != nil {
		return m, err
	}
	if m.Dst, err = DecodeFileTag(d); err != nil {
		return m, err
	}
	return m, nil
}

// FileTagReq is the shared payload shape of OP_COMMIT, OP_FLUSH and
// OP_DELETE: a single (file, tag) operand.
type FileTagReq struct {
	FileTag types.FileTag
}

func (m FileTagReq) Encode(e *Encoder) error { return EncodeFileTag(e, m.FileTag) }

func DecodeFileTagReq(d *Decoder) (FileTagReq, error) {
	ft, err := DecodeFileTag(d)
	return FileTagReq{FileTag: ft}, err
}

// ErrorReply is the OP_ERROR response payload: a human-readable message.
type ErrorReply struct {
	Message string
}

func (m ErrorReply) Encode(e *Encoder) error { return e.String(m.Message) }

func DecodeErrorReply(d *Decoder) (ErrorReply, error) {
	msg, err := d.String()
	return ErrorReply{Message: msg}, err
}

// ReadOKReply is OP_READ's success response: the block content read.
type ReadOKReply struct {
	Data []byte
}

func (m ReadOKReply) Encode(e *Encoder) error { return e.Bytes(m.Data) }

func DecodeReadOKReply(d *Decoder) (ReadOKReply, error) {
	data, err := d.Bytes()
	return ReadOKReply{Data: data}, err
}

// GetBlockSizeReq is sent by a worker identifying itself while asking for
// the storage engine's configured block size.
type GetBlockSizeReq struct {
	WorkerID string
}

func (m GetBlockSizeReq) Encode(e *Encoder) error { return e.String(m.WorkerID) }

func DecodeGetBlockSizeReq(d *Decoder) (GetBlockSizeReq, error) {
	id, err := d.String()
	return GetBlockSizeReq{WorkerID: id}, err
}

// BlockSizeReply answers GET_BLOCK_SIZE.
type BlockSizeReply struct {
	BlockSize uint32
}

func (m BlockSizeReply) Encode(e *Encoder) error { return e.Uint32(m.BlockSize) }

func DecodeBlockSizeReply(d *Decoder) (BlockSizeReply, error) {
	sz, err := d.Uint32()
	return BlockSizeReply{BlockSize: sz}, err
}

// EncodeTagState maps a types.TagState to its wire byte.
func EncodeTagState(s types.TagState) byte {
	if s == types.TagCommitted {
		return 1
	}
	return 0
}

// DecodeTagState maps a wire byte back to a types.TagState.
func DecodeTagState(b byte) types.TagState {
	if b == 1 {
		return types.TagCommitted
	}
	return types.TagWorkInProgress
}

// StatusReply trails every successful storage reply to CREATE, TRUNCATE,
// WRITE, TAG, COMMIT and FLUSH: the (file, tag)'s size and state after the
// operation. This lets a worker keep a local shadow of each file's size,
// which its executor clips a WRITE against, without a dedicated stat
// round-trip. DELETE's success reply is a bare OP_OK.
type StatusReply struct {
	Size  uint64
	State byte // 0 = WORK_IN_PROGRESS, 1 = COMMITTED
}

func (m StatusReply) Encode(e *Encoder) error {
	if err := e.Uint64(m.Size); err != nil {
		return err
	}
	return e.Fixed([]byte{m.State})
}

func DecodeStatusReply(d *Decoder) (StatusReply, error) {
	var m StatusReply
	var err error
	if m.Size, err = d.Uint64(); err != nil {
		return m, err
	}
	b, err := d.Fixed(1)
	if err != nil {
		return m, err
	}
	m.State = b[0]
	return m, nil
}

// WrapErr annotates a decode/encode failure with the opcode being processed,
// for log messages at the protocol-error boundary (spec §7).
func WrapErr(op Opcode, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("wire: %s: %w", op, err)
}
