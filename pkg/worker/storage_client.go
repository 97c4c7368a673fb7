package worker

import (
	"fmt"
	"net"
	"sync"

	"github.com/shardquery/shardquery/pkg/types"
	"github.com/shardquery/shardquery/pkg/wire"
)

// StorageClient is a worker's connection to the storage engine. Every
// request is prefixed with the query's current program counter (OP_PC) so
// the storage side can attribute log lines to a query step, per spec §4.4.
// The connection is single-writer: a worker executes one script at a time,
// so no internal concurrency is needed, but the mutex guards against
// concurrent use from a future multi-script worker without relying on that
// assumption silently.
type StorageClient struct {
	mu        sync.Mutex
	conn      net.Conn
	enc       *wire.Encoder
	dec       *wire.Decoder
	BlockSize uint32
}

// DialStorage connects to a storage engine at addr and performs the
// GET_BLOCK_SIZE handshake, identifying itself as workerID.
func DialStorage(addr, workerID string) (*StorageClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial storage %s: %w", addr, err)
	}
	sc := &StorageClient{
		conn: conn,
		enc:  wire.NewEncoder(conn),
		dec:  wire.NewDecoder(conn),
	}
	if err := sc.enc.Opcode(wire.GetBlockSize); err != nil {
		conn.Close()
		return nil, err
	}
	if err := (wire.GetBlockSizeReq{WorkerID: workerID}).Encode(sc.enc); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sc.enc.Flush(); err != nil {
		conn.Close()
		return nil, err
	}
	op, err := sc.dec.Opcode()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if op != wire.BlockSize {
		conn.Close()
		return nil, fmt.Errorf("storage handshake: %w: got %s", wire.ErrBadOpcode, op)
	}
	reply, err := wire.DecodeBlockSizeReply(sc.dec)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sc.BlockSize = reply.BlockSize
	return sc, nil
}

// Close closes the underlying connection.
func (sc *StorageClient) Close() error {
	return sc.conn.Close()
}

// expectOK reads OP_OK or OP_ERROR from the connection, returning a wrapped
// error for OP_ERROR and for protocol mismatches.
func (sc *StorageClient) expectOK() error {
	op, err := sc.dec.Opcode()
	if err != nil {
		return err
	}
	switch op {
	case wire.OpOK:
		return nil
	case wire.OpError:
		reply, err := wire.DecodeErrorReply(sc.dec)
		if err != nil {
			return err
		}
		return fmt.Errorf("storage: %s", reply.Message)
	default:
		return fmt.Errorf("%w: got %s", wire.ErrBadOpcode, op)
	}
}

func (sc *StorageClient) expectOKWithStatus() (wire.StatusReply, error) {
	if err := sc.expectOK(); err != nil {
		return wire.StatusReply{}, err
	}
	return wire.DecodeStatusReply(sc.dec)
}

func (sc *StorageClient) sendHeader(pc int32, op wire.Opcode) error {
	if err := (wire.StorageRequestHeader{PC: pc}).Encode(sc.enc); err != nil {
		return err
	}
	return sc.enc.Opcode(op)
}

// Create issues OP_CREATE.
func (sc *StorageClient) Create(pc int32, ft types.FileTag) (wire.StatusReply, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpCreate); err != nil {
		return wire.StatusReply{}, err
	}
	if err := (wire.CreateReq{FileTag: ft}).Encode(sc.enc); err != nil {
		return wire.StatusReply{}, err
	}
	if err := sc.enc.Flush(); err != nil {
		return wire.StatusReply{}, err
	}
	return sc.expectOKWithStatus()
}

// Truncate issues OP_TRUNCATE.
func (sc *StorageClient) Truncate(pc int32, ft types.FileTag, size uint64) (wire.StatusReply, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpTruncate); err != nil {
		return wire.StatusReply{}, err
	}
	if err := (wire.TruncateReq{FileTag: ft, Size: size}).Encode(sc.enc); err != nil {
		return wire.StatusReply{}, err
	}
	if err := sc.enc.Flush(); err != nil {
		return wire.StatusReply{}, err
	}
	return sc.expectOKWithStatus()
}

// ReadBlock issues a block-aligned OP_READ, used by PagedMemory to service
// a page fault. index is the logical block number; the offset/size sent on
// the wire are derived from the worker's own frame size (the worker and
// storage engine are configured with matching BLOCK_SIZE at admission).
func (sc *StorageClient) ReadBlock(pc int32, ft types.FileTag, index int) ([]byte, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpRead); err != nil {
		return nil, err
	}
	req := wire.ReadReq{
		FileTag: ft,
		Offset:  uint64(index) * uint64(sc.BlockSize),
		Size:    uint64(sc.BlockSize),
	}
	if err := req.Encode(sc.enc); err != nil {
		return nil, err
	}
	if err := sc.enc.Flush(); err != nil {
		return nil, err
	}
	if err := sc.expectOK(); err != nil {
		return nil, err
	}
	reply, err := wire.DecodeReadOKReply(sc.dec)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// WriteBlock issues a block-aligned OP_WRITE, used by PagedMemory to write
// back a dirty frame before reuse, on FLUSH, or on COMMIT's implicit flush.
func (sc *StorageClient) WriteBlock(pc int32, ft types.FileTag, index int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpWrite); err != nil {
		return err
	}
	req := wire.WriteReq{
		FileTag: ft,
		Offset:  uint64(index) * uint64(sc.BlockSize),
		Content: data,
	}
	if err := req.Encode(sc.enc); err != nil {
		return err
	}
	if err := sc.enc.Flush(); err != nil {
		return err
	}
	_, err := sc.expectOKWithStatus()
	return err
}

// Tag issues OP_TAG.
func (sc *StorageClient) Tag(pc int32, src, dst types.FileTag) (wire.StatusReply, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpTag); err != nil {
		return wire.StatusReply{}, err
	}
	if err := (wire.TagReq{Src: src, Dst: dst}).Encode(sc.enc); err != nil {
		return wire.StatusReply{}, err
	}
	if err := sc.enc.Flush(); err != nil {
		return wire.StatusReply{}, err
	}
	return sc.expectOKWithStatus()
}

// Commit issues OP_COMMIT.
func (sc *StorageClient) Commit(pc int32, ft types.FileTag) (wire.StatusReply, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpCommit); err != nil {
		return wire.StatusReply{}, err
	}
	if err := (wire.FileTagReq{FileTag: ft}).Encode(sc.enc); err != nil {
		return wire.StatusReply{}, err
	}
	if err := sc.enc.Flush(); err != nil {
		return wire.StatusReply{}, err
	}
	return sc.expectOKWithStatus()
}

// Flush issues OP_FLUSH.
func (sc *StorageClient) Flush(pc int32, ft types.FileTag) (wire.StatusReply, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpFlush); err != nil {
		return wire.StatusReply{}, err
	}
	if err := (wire.FileTagReq{FileTag: ft}).Encode(sc.enc); err != nil {
		return wire.StatusReply{}, err
	}
	if err := sc.enc.Flush(); err != nil {
		return wire.StatusReply{}, err
	}
	return sc.expectOKWithStatus()
}

// Delete issues OP_DELETE.
func (sc *StorageClient) Delete(pc int32, ft types.FileTag) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.sendHeader(pc, wire.OpDelete); err != nil {
		return err
	}
	if err := (wire.FileTagReq{FileTag: ft}).Encode(sc.enc); err != nil {
		return err
	}
	if err := sc.enc.Flush(); err != nil {
		return err
	}
	return sc.expectOK()
}
