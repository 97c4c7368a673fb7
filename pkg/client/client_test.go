package client

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardquery/shardquery/pkg/wire"
)

// fakeScheduler drives the server end of the handshake/submit exchange
// that Client expects, so Submit can be exercised without a real scheduler.
func fakeScheduler(t *testing.T, conn net.Conn, respond func(enc *wire.Encoder, dec *wire.Decoder)) {
	t.Helper()
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	op, err := dec.Opcode()
	require.NoError(t, err)
	require.Equal(t, wire.HandshakeClient, op)
	require.NoError(t, enc.Opcode(wire.Confirmation))
	require.NoError(t, enc.Flush())

	respond(enc, dec)
}

func TestSubmitStreamsResultsUntilFinished(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeScheduler(t, server, func(enc *wire.Encoder, dec *wire.Decoder) {
			sub, err := wire.DecodeSubmitQuery(dec)
			require.NoError(t, err)
			assert.Equal(t, "script.txt", sub.ScriptPath)
			assert.Equal(t, int32(3), sub.Priority)

			rr := wire.ReadResultMsg{QueryID: 1, Data: []byte("hi")}
			require.NoError(t, rr.Encode(enc))
			require.NoError(t, enc.Flush())

			fin := wire.QueryFinishedMsg{QueryID: 1, Reason: "end of script"}
			require.NoError(t, fin.Encode(enc))
			require.NoError(t, enc.Flush())
		})
	}()

	cl := &Client{conn: clientConn, enc: wire.NewEncoder(clientConn), dec: wire.NewDecoder(clientConn)}
	require.NoError(t, cl.handshake())

	var buf bytes.Buffer
	err := cl.Submit("script.txt", 3, Printer(&buf))
	require.NoError(t, err)
	<-done

	assert.Contains(t, buf.String(), "read")
	assert.Contains(t, buf.String(), "finished: end of script")
}
