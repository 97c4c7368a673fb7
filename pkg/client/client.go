// Package client is a thin wire-protocol client for submitting a query
// script to a scheduler and streaming back its results. The interactive
// REPL and command parser built on top of it are out of scope here; this
// package only implements the framed handshake/submit/stream exchange of
// the client-facing wire protocol.
package client

import (
	"fmt"
	"io"
	"net"

	"github.com/shardquery/shardquery/pkg/wire"
)

// Client is a single connection to a scheduler's client-facing listener.
type Client struct {
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

// Dial connects to addr and performs the HANDSHAKE_CLIENT/CONFIRMATION
// exchange.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, enc: wire.NewEncoder(conn), dec: wire.NewDecoder(conn)}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.enc.Opcode(wire.HandshakeClient); err != nil {
		return err
	}
	if err := c.enc.Flush(); err != nil {
		return err
	}
	op, err := c.dec.Opcode()
	if err != nil {
		return err
	}
	if op != wire.Confirmation {
		return fmt.Errorf("%w: expected CONFIRMATION, got %s", wire.ErrBadOpcode, op)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Reporter receives events streamed back for a submitted query.
type Reporter interface {
	ReadResult(queryID uint32, fileTag string, data []byte)
	Finished(queryID uint32, reason string)
	ExecError(queryID uint32, message string)
}

// Printer returns a Reporter that writes human-readable lines to w.
func Printer(w io.Writer) Reporter {
	return &printingReporter{w: w}
}

type printingReporter struct{ w io.Writer }

func (p *printingReporter) ReadResult(queryID uint32, fileTag string, data []byte) {
	fmt.Fprintf(p.w, "[query %d] read %s: %d bytes\n", queryID, fileTag, len(data))
}

func (p *printingReporter) Finished(queryID uint32, reason string) {
	fmt.Fprintf(p.w, "[query %d] finished: %s\n", queryID, reason)
}

func (p *printingReporter) ExecError(queryID uint32, message string) {
	fmt.Fprintf(p.w, "[query %d] error: %s\n", queryID, message)
}

// Submit sends scriptPath and priority as a new query, then streams
// results to r until the query reports QUERY_FINISHED or EXEC_ERROR, or the
// connection errors.
func (c *Client) Submit(scriptPath string, priority int32, r Reporter) error {
	msg := wire.SubmitQuery{ScriptPath: scriptPath, Priority: priority}
	if err := msg.Encode(c.enc); err != nil {
		return err
	}
	if err := c.enc.Flush(); err != nil {
		return err
	}

	for {
		op, err := c.dec.Opcode()
		if err != nil {
			return err
		}
		switch op {
		case wire.ReadResult:
			body, err := wire.DecodeReadResultBody(c.dec)
			if err != nil {
				return err
			}
			r.ReadResult(body.QueryID, body.FileTag.String(), body.Data)
		case wire.QueryFinished:
			body, err := wire.DecodeQueryFinishedBody(c.dec)
			if err != nil {
				return err
			}
			r.Finished(body.QueryID, body.Reason)
			return nil
		case wire.ExecError:
			body, err := wire.DecodeExecErrorBody(c.dec)
			if err != nil {
				return err
			}
			r.ExecError(body.QueryID, body.Message)
			return nil
		default:
			return fmt.Errorf("%w: unexpected opcode %s from scheduler", wire.ErrBadOpcode, op)
		}
	}
}
