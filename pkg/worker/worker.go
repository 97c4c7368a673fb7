package worker

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/log"
	"github.com/shardquery/shardquery/pkg/types"
	"github.com/shardquery/shardquery/pkg/wire"
)

// Config configures a Worker instance.
type Config struct {
	WorkerID      string
	SchedulerAddr string
	StorageAddr   string
	NumFrames     int
	Policy        ReplacementPolicy
}

// Worker connects to a scheduler and a storage engine, executes one query
// script at a time, and reports query-lifecycle events back to the
// scheduler. It corresponds to the scheduler's worker-facing state machine
// (spec §4.1): HANDSHAKE -> IDLE -> BUSY -> IDLE, with DISCONNECTED on any
// read error or closed channel.
type Worker struct {
	cfg Config
	log zerolog.Logger

	conn    net.Conn
	enc     *wire.Encoder
	dec     *wire.Decoder
	writeMu sync.Mutex

	storage *StorageClient
	memory  *PagedMemory

	evictCh chan struct{}
	stopCh  chan struct{}
}

// New builds a Worker from cfg. Connections to the scheduler and storage
// are established by Run.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:     cfg,
		log:     log.WithWorkerID(cfg.WorkerID),
		evictCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Run dials the storage engine and the scheduler, performs both
// handshakes, and then services scheduler messages until the connection
// closes or Stop is called.
func (w *Worker) Run() error {
	storage, err := DialStorage(w.cfg.StorageAddr, w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("worker %s: %w", w.cfg.WorkerID, err)
	}
	w.storage = storage
	w.memory = NewPagedMemory(w.cfg.Policy, w.cfg.NumFrames, int(storage.BlockSize), storage, w.log)

	conn, err := net.Dial("tcp", w.cfg.SchedulerAddr)
	if err != nil {
		storage.Close()
		return fmt.Errorf("worker %s: dial scheduler: %w", w.cfg.WorkerID, err)
	}
	w.conn = conn
	w.enc = wire.NewEncoder(conn)
	w.dec = wire.NewDecoder(conn)

	if err := w.handshake(); err != nil {
		conn.Close()
		storage.Close()
		return fmt.Errorf("worker %s: handshake: %w", w.cfg.WorkerID, err)
	}
	w.log.Info().Str("scheduler", w.cfg.SchedulerAddr).Str("storage", w.cfg.StorageAddr).Msg("worker connected")

	return w.serve()
}

// Stop closes the worker's connections, causing Run to return.
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.conn != nil {
		w.conn.Close()
	}
	if w.storage != nil {
		w.storage.Close()
	}
}

func (w *Worker) handshake() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := (wire.WorkerHandshakeMsg{WorkerID: w.cfg.WorkerID}).Encode(w.enc); err != nil {
		return err
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	op, err := w.dec.Opcode()
	if err != nil {
		return err
	}
	if op != wire.Confirmation {
		return fmt.Errorf("%w: expected CONFIRMATION, got %s", wire.ErrBadOpcode, op)
	}
	return nil
}

// serve is the worker's single reader loop: it decodes scheduler frames and
// either launches a script execution (DISPATCH_EXEC) or forwards an
// eviction signal (DISPATCH_EVICT) to whatever execution is in flight.
func (w *Worker) serve() error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		op, err := w.dec.Opcode()
		if err != nil {
			w.log.Warn().Err(err).Msg("scheduler connection lost")
			return err
		}
		switch op {
		case wire.DispatchExec:
			body, err := wire.DecodeDispatchExecBody(w.dec)
			if err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.runQuery(body)
			}()
		case wire.DispatchEvict:
			select {
			case w.evictCh <- struct{}{}:
			default:
			}
		default:
			w.log.Warn().Str("opcode", op.String()).Msg("unexpected opcode from scheduler")
		}
	}
}

// runQuery executes one dispatched script to completion, eviction, or
// error, and reports the outcome to the scheduler.
func (w *Worker) runQuery(dispatch wire.DispatchExecMsg) {
	queryID := uint32(dispatch.QueryID)
	qlog := w.log.With().Uint32("query_id", queryID).Logger()
	ex := NewExecutor(w.memory, w.storage, qlog)

	outcome, pc, err := ex.Run(queryID, dispatch.PC, dispatch.ScriptPath, w.evictCh, w)

	switch outcome {
	case Evicted:
		qlog.Info().Int32("pc", pc).Msg("evicted between instructions")
		w.writeMu.Lock()
		w.enc.Int32(pc)
		werr := w.enc.Flush()
		w.writeMu.Unlock()
		if werr != nil {
			qlog.Warn().Err(werr).Msg("failed to send eviction pc")
		}
		return
	case Errored:
		qlog.Warn().Err(err).Int32("pc", pc).Msg("query terminated with error")
		w.send(wire.ExecErrorMsg{QueryID: queryID, Message: err.Error()})
		return
	default: // Ended
		qlog.Info().Msg("query script ended")
		w.send(wire.OpEndMsg{QueryID: queryID})
	}
}

type encodable interface {
	Encode(*wire.Encoder) error
}

func (w *Worker) send(msg encodable) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := msg.Encode(w.enc); err != nil {
		w.log.Warn().Err(err).Msg("failed to encode message to scheduler")
		return
	}
	if err := w.enc.Flush(); err != nil {
		w.log.Warn().Err(err).Msg("failed to flush message to scheduler")
	}
}

// ReportReadNotice implements Reporter.
func (w *Worker) ReportReadNotice(queryID uint32) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := (wire.ReadNoticeMsg{QueryID: queryID}).Encode(w.enc); err != nil {
		return err
	}
	return w.enc.Flush()
}

// ReportReadResult implements Reporter.
func (w *Worker) ReportReadResult(queryID uint32, ft types.FileTag, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	msg := wire.ReadResultMsg{QueryID: queryID, FileTag: ft, Data: data}
	if err := msg.Encode(w.enc); err != nil {
		return err
	}
	return w.enc.Flush()
}
