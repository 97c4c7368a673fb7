package scheduler

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/types"
	"github.com/shardquery/shardquery/pkg/wire"
)

// workerHandle is the scheduler's side of one worker connection: it owns
// the socket, serializes writes, and tracks whether the next frame read
// off the wire is a normal opcode-prefixed message or the raw program
// counter that answers a pending DISPATCH_EVICT.
type workerHandle struct {
	id   uint32
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder

	writeMu sync.Mutex

	info *types.WorkerInfo

	evictPending      atomic.Bool
	pendingEvictQuery uint32
	cancelOnEvict     bool

	log zerolog.Logger
}

// sendDispatch writes a DISPATCH_EXEC message. Returns false if the write
// failed, in which case the caller should treat the worker as gone.
func (w *workerHandle) sendDispatch(queryID uint32, pc int32, scriptPath string) bool {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	msg := wire.DispatchExecMsg{QueryID: int32(queryID), PC: pc, ScriptPath: scriptPath}
	if err := msg.Encode(w.enc); err != nil {
		return false
	}
	return w.enc.Flush() == nil
}

// sendEvict writes a bare DISPATCH_EVICT opcode with no payload.
func (w *workerHandle) sendEvict() bool {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.enc.Opcode(wire.DispatchEvict); err != nil {
		return false
	}
	return w.enc.Flush() == nil
}

// serveWorker is the worker connection's single reader goroutine. It runs until
// the connection errors or closes, at which point the scheduler treats the
// worker as disconnected.
func (s *Scheduler) serveWorker(w *workerHandle) {
	defer func() {
		w.conn.Close()
		s.disconnectWorker(w.id)
		s.log.Info().Uint32("worker_id", w.id).Msg("worker disconnected")
	}()

	for {
		if w.evictPending.Load() {
			pc, err := w.dec.Int32()
			if err != nil {
				return
			}
			w.evictPending.Store(false)
			s.handleEvictReply(w.id, pc)
			continue
		}

		op, err := w.dec.Opcode()
		if err != nil {
			return
		}
		switch op {
		case wire.OpEnd:
			body, err := wire.DecodeOpEndBody(w.dec)
			if err != nil {
				return
			}
			s.handleQueryEnd(w.id, body.QueryID)
		case wire.ExecError:
			body, err := wire.DecodeExecErrorBody(w.dec)
			if err != nil {
				return
			}
			s.handleQueryError(w.id, body.QueryID, body.Message)
		case wire.ReadNotice:
			body, err := wire.DecodeReadNoticeBody(w.dec)
			if err != nil {
				return
			}
			s.forwardReadNotice(body.QueryID)
		case wire.ReadResult:
			body, err := wire.DecodeReadResultBody(w.dec)
			if err != nil {
				return
			}
			s.forwardReadResult(body)
		default:
			w.log.Warn().Str("opcode", op.String()).Msg("unexpected opcode from worker")
			return
		}
	}
}

func (s *Scheduler) forwardReadNotice(queryID uint32) {
	if c := s.clientFor(queryID); c != nil {
		c.sendReadNotice(queryID)
	}
}

func (s *Scheduler) forwardReadResult(m wire.ReadResultMsg) {
	if c := s.clientFor(m.QueryID); c != nil {
		c.sendReadResult(m)
	}
}
