package scheduler

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/wire"
)

// clientHandle is the scheduler's side of one client connection: a bare
// HANDSHAKE_CLIENT/CONFIRMATION exchange followed by a stream of
// unprefixed SubmitQuery bodies, and an independent write path for
// delivering READ_RESULT / QUERY_FINISHED / EXEC_ERROR back to the client.
type clientHandle struct {
	id   string
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder

	writeMu sync.Mutex
	log     zerolog.Logger
}

func (c *clientHandle) sendReadNotice(queryID uint32) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := (wire.ReadNoticeMsg{QueryID: queryID}).Encode(c.enc); err != nil {
		return
	}
	c.enc.Flush()
}

func (c *clientHandle) sendReadResult(m wire.ReadResultMsg) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := m.Encode(c.enc); err != nil {
		return
	}
	c.enc.Flush()
}

func (c *clientHandle) sendFinished(queryID uint32, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := (wire.QueryFinishedMsg{QueryID: queryID, Reason: reason}).Encode(c.enc); err != nil {
		return
	}
	c.enc.Flush()
}

func (c *clientHandle) sendExecError(queryID uint32, message string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := (wire.ExecErrorMsg{QueryID: queryID, Message: message}).Encode(c.enc); err != nil {
		return
	}
	c.enc.Flush()
}

// serveClient performs the handshake and then services SubmitQuery bodies
// until the connection closes, at which point every query still owned by
// this client is cancelled per the client-facing disconnect rule.
func (s *Scheduler) serveClient(conn net.Conn) {
	c := &clientHandle{
		id:   uuid.NewString(),
		conn: conn,
		enc:  wire.NewEncoder(conn),
		dec:  wire.NewDecoder(conn),
	}
	c.log = s.log.With().Str("client_id", c.id).Logger()
	defer func() {
		conn.Close()
		s.muClientsRemove(c.id)
		s.cancelClientQueries(c.id)
		c.log.Info().Msg("client disconnected")
	}()

	op, err := c.dec.Opcode()
	if err != nil || op != wire.HandshakeClient {
		return
	}
	if err := c.enc.Opcode(wire.Confirmation); err != nil {
		return
	}
	if err := c.enc.Flush(); err != nil {
		return
	}

	s.muClientsAdd(c)
	c.log.Info().Msg("client connected")

	for {
		body, err := wire.DecodeSubmitQuery(c.dec)
		if err != nil {
			return
		}
		s.Submit(c.id, body.ScriptPath, body.Priority)
	}
}

func (s *Scheduler) muClientsAdd(c *clientHandle) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c.id] = c
}

func (s *Scheduler) muClientsRemove(id string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, id)
}
