package storage

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/metrics"
	"github.com/shardquery/shardquery/pkg/types"
	"github.com/shardquery/shardquery/pkg/wire"
)

// Server accepts worker connections and speaks the worker<->storage wire
// protocol of spec §6 against a single Engine: GET_BLOCK_SIZE handshake,
// then a loop of OP_PC-prefixed requests until the connection closes.
type Server struct {
	addr   string
	engine *Engine
	log    zerolog.Logger
	ln     net.Listener
}

func NewServer(addr string, engine *Engine, logger zerolog.Logger) *Server {
	return &Server{addr: addr, engine: engine, log: logger}
}

// Listen binds the configured address, allowing an ephemeral port (":0")
// to be resolved via Addr before Serve is called.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("storage listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the listener's bound address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks accepting connections on a listener already bound by Listen
// until the listener errors.
func (s *Server) Serve() error {
	defer s.ln.Close()
	s.log.Info().Str("addr", s.ln.Addr().String()).Uint32("block_size", s.engine.BlockSize()).Msg("storage engine listening")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// ListenAndServe binds the configured address and serves until the
// listener errors.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	op, err := dec.Opcode()
	if err != nil || op != wire.GetBlockSize {
		s.log.Warn().Err(err).Msg("expected GET_BLOCK_SIZE, dropping connection")
		return
	}
	req, err := wire.DecodeGetBlockSizeReq(dec)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad GET_BLOCK_SIZE payload")
		return
	}
	wlog := s.log.With().Str("worker_id", req.WorkerID).Logger()

	if err := enc.Opcode(wire.BlockSize); err != nil {
		return
	}
	if err := (wire.BlockSizeReply{BlockSize: s.engine.BlockSize()}).Encode(enc); err != nil {
		return
	}
	if err := enc.Flush(); err != nil {
		return
	}
	wlog.Info().Msg("worker connected to storage")

	for {
		if err := s.handleRequest(dec, enc, wlog); err != nil {
			if !errors.Is(err, wire.ErrShortRead) {
				wlog.Warn().Err(err).Msg("storage connection closed")
			}
			return
		}
	}
}

func (s *Server) handleRequest(dec *wire.Decoder, enc *wire.Encoder, wlog zerolog.Logger) error {
	headerOp, err := dec.Opcode()
	if err != nil {
		return err
	}
	if headerOp != wire.OpPC {
		return fmt.Errorf("%w: expected OP_PC, got %s", wire.ErrBadOpcode, headerOp)
	}
	header, err := wire.DecodeStorageRequestHeader(dec)
	if err != nil {
		return err
	}

	op, err := dec.Opcode()
	if err != nil {
		return err
	}
	plog := wlog.With().Int32("pc", header.PC).Str("op", op.String()).Logger()

	timer := metrics.NewTimer()
	switch op {
	case wire.OpCreate:
		req, err := wire.DecodeCreateReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Msg("CREATE")
		m, execErr := s.engine.Create(req.FileTag)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "create")
		return s.reply(enc, m, execErr)

	case wire.OpTruncate:
		req, err := wire.DecodeTruncateReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Uint64("size", req.Size).Msg("TRUNCATE")
		m, execErr := s.engine.Truncate(req.FileTag, req.Size)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "truncate")
		return s.reply(enc, m, execErr)

	case wire.OpWrite:
		req, err := wire.DecodeWriteReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Uint64("offset", req.Offset).Int("len", len(req.Content)).Msg("WRITE")
		m, execErr := s.engine.Write(req.FileTag, req.Offset, req.Content)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "write")
		return s.reply(enc, m, execErr)

	case wire.OpRead:
		req, err := wire.DecodeReadReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Uint64("offset", req.Offset).Uint64("size", req.Size).Msg("READ")
		data, execErr := s.engine.Read(req.FileTag, req.Offset, req.Size)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "read")
		if execErr != nil {
			return s.replyError(enc, execErr)
		}
		if err := enc.Opcode(wire.OpOK); err != nil {
			return err
		}
		if err := (wire.ReadOKReply{Data: data}).Encode(enc); err != nil {
			return err
		}
		return enc.Flush()

	case wire.OpTag:
		req, err := wire.DecodeTagReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("src", req.Src.String()).Str("dst", req.Dst.String()).Msg("TAG")
		m, execErr := s.engine.Tag(req.Src, req.Dst)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "tag")
		return s.reply(enc, m, execErr)

	case wire.OpCommit:
		req, err := wire.DecodeFileTagReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Msg("COMMIT")
		m, execErr := s.engine.Commit(req.FileTag)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "commit")
		return s.reply(enc, m, execErr)

	case wire.OpFlush:
		req, err := wire.DecodeFileTagReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Msg("FLUSH")
		m, execErr := s.engine.Flush(req.FileTag)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "flush")
		return s.reply(enc, m, execErr)

	case wire.OpDelete:
		req, err := wire.DecodeFileTagReq(dec)
		if err != nil {
			return err
		}
		plog.Debug().Str("file_tag", req.FileTag.String()).Msg("DELETE")
		execErr := s.engine.Delete(req.FileTag)
		timer.ObserveDurationVec(metrics.StorageOpDuration, "delete")
		if execErr != nil {
			return s.replyError(enc, execErr)
		}
		if err := enc.Opcode(wire.OpOK); err != nil {
			return err
		}
		return enc.Flush()

	default:
		return fmt.Errorf("%w: unexpected storage opcode %s", wire.ErrBadOpcode, op)
	}
}

func (s *Server) reply(enc *wire.Encoder, m types.TagMetadata, execErr error) error {
	if execErr != nil {
		return s.replyError(enc, execErr)
	}
	if err := enc.Opcode(wire.OpOK); err != nil {
		return err
	}
	status := wire.StatusReply{Size: m.Size, State: wire.EncodeTagState(m.State)}
	if err := status.Encode(enc); err != nil {
		return err
	}
	return enc.Flush()
}

func (s *Server) replyError(enc *wire.Encoder, execErr error) error {
	if err := enc.Opcode(wire.OpError); err != nil {
		return err
	}
	if err := (wire.ErrorReply{Message: execErr.Error()}).Encode(enc); err != nil {
		return err
	}
	return enc.Flush()
}
