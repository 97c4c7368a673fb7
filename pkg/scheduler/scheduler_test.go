package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardquery/shardquery/pkg/types"
	"github.com/shardquery/shardquery/pkg/wire"
)

// newTestWorker wires a workerHandle to one end of an in-memory pipe and
// registers it with s, returning the other end for inspecting what the
// scheduler wrote.
func newTestWorker(t *testing.T, s *Scheduler) (*workerHandle, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	w := &workerHandle{conn: server, enc: wire.NewEncoder(server), dec: wire.NewDecoder(server)}
	s.registerWorker(w, "")
	t.Cleanup(func() { server.Close(); client.Close() })
	return w, client
}

func readDispatch(t *testing.T, conn net.Conn) wire.DispatchExecMsg {
	t.Helper()
	dec := wire.NewDecoder(conn)
	op, err := dec.Opcode()
	require.NoError(t, err)
	require.Equal(t, wire.DispatchExec, op)
	m, err := wire.DecodeDispatchExecBody(dec)
	require.NoError(t, err)
	return m
}

func readOpcode(t *testing.T, conn net.Conn) wire.Opcode {
	t.Helper()
	dec := wire.NewDecoder(conn)
	op, err := dec.Opcode()
	require.NoError(t, err)
	return op
}

func TestDispatchFIFOOrdersByArrival(t *testing.T) {
	s := New(Config{Policy: types.PolicyFIFO})

	// Both queries wait in READY before any worker exists; under FIFO the
	// earlier arrival goes first even though the later one has the lower
	// priority number.
	s.Submit("c1", "scriptA", 5)
	s.Submit("c1", "scriptB", 1)

	_, clientConn := newTestWorker(t, s)
	go s.dispatchNewWorker()
	msg := readDispatch(t, clientConn)
	assert.Equal(t, "scriptA", msg.ScriptPath)
}

func TestDispatchPrioritySelectsLowestNumber(t *testing.T) {
	s := New(Config{Policy: types.PolicyPriority})

	s.muQueries.Lock()
	s.muWorkers.Lock()
	s.muDispatch.Lock()
	s.nextQueryID++
	low := &types.Query{ID: s.nextQueryID, Priority: 5, ScriptPath: "low", State: types.QueryReady, ClientChannel: "c"}
	s.queries[low.ID] = low
	s.ready = append(s.ready, low.ID)
	s.nextQueryID++
	high := &types.Query{ID: s.nextQueryID, Priority: 1, ScriptPath: "high", State: types.QueryReady, ClientChannel: "c"}
	s.queries[high.ID] = high
	s.ready = append(s.ready, high.ID)
	s.muDispatch.Unlock()
	s.muWorkers.Unlock()
	s.muQueries.Unlock()

	_, conn := newTestWorker(t, s)
	go s.dispatchNewWorker()

	msg := readDispatch(t, conn)
	assert.Equal(t, "high", msg.ScriptPath, "priority policy must dispatch the lowest priority number first")
}

func TestAdmissionPreemptsLowerPriorityRunningQuery(t *testing.T) {
	s := New(Config{Policy: types.PolicyPriority})
	w, conn := newTestWorker(t, s)

	go s.Submit("c1", "low-priority-script", 9)
	time.Sleep(10 * time.Millisecond)
	msg := readDispatch(t, conn)
	assert.Equal(t, "low-priority-script", msg.ScriptPath)

	go s.Submit("c1", "urgent-script", 0)
	time.Sleep(10 * time.Millisecond)

	op := readOpcode(t, conn)
	assert.Equal(t, wire.DispatchEvict, op, "a strictly higher priority arrival must preempt the running query")
	assert.True(t, w.evictPending.Load())
}

func TestAdmissionDoesNotPreemptEqualOrLowerPriority(t *testing.T) {
	s := New(Config{Policy: types.PolicyPriority})
	w, conn := newTestWorker(t, s)

	go s.Submit("c1", "running", 3)
	time.Sleep(10 * time.Millisecond)
	readDispatch(t, conn)

	s.Submit("c1", "same-priority", 3)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, w.evictPending.Load(), "equal priority must not preempt")

	s.Submit("c1", "lower-priority", 7)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, w.evictPending.Load(), "lower priority must not preempt")
}

func TestHandleEvictReplyRequeuesAndRedispatches(t *testing.T) {
	s := New(Config{Policy: types.PolicyPriority})
	w, conn := newTestWorker(t, s)

	s.muQueries.Lock()
	s.muWorkers.Lock()
	q := &types.Query{ID: 1, Priority: 5, ScriptPath: "victim", State: types.QueryExec, ClientChannel: "c", AssignedWorker: w.id}
	s.queries[1] = q
	w.info.State = types.WorkerBusy
	w.info.HasCurrentQuery = true
	w.info.CurrentQuery = 1
	w.pendingEvictQuery = 1
	s.muWorkers.Unlock()
	s.muQueries.Unlock()

	// The requeued query is the only READY one and the worker is idle again,
	// so the same dispatch pass sends it straight back out at the saved pc.
	go s.handleEvictReply(w.id, 7)
	msg := readDispatch(t, conn)

	assert.Equal(t, "victim", msg.ScriptPath)
	assert.Equal(t, int32(7), msg.PC)
	assert.Equal(t, int32(7), q.PC)
	assert.Equal(t, types.QueryExec, q.State)
	assert.Equal(t, types.WorkerBusy, w.info.State)
	assert.NotContains(t, s.ready, uint32(1))
}

func TestAgingDecrementsReadyPriorityAndResetsCycles(t *testing.T) {
	s := New(Config{Policy: types.PolicyPriority, AgingInterval: time.Hour})

	s.muQueries.Lock()
	q := &types.Query{ID: 1, Priority: 4, ReadyCycles: 3, State: types.QueryReady}
	s.queries[1] = q
	s.ready = append(s.ready, 1)
	s.muQueries.Unlock()

	s.age()

	assert.Equal(t, int32(3), q.Priority)
	assert.Equal(t, 0, q.ReadyCycles)
}

func TestAgingNeverDropsBelowZero(t *testing.T) {
	s := New(Config{Policy: types.PolicyPriority, AgingInterval: time.Hour})
	s.muQueries.Lock()
	q := &types.Query{ID: 1, Priority: 0, State: types.QueryReady}
	s.queries[1] = q
	s.ready = append(s.ready, 1)
	s.muQueries.Unlock()

	s.age()

	assert.Equal(t, int32(0), q.Priority)
}

func TestDisconnectWorkerRequeuesRunningQueryAtZeroPC(t *testing.T) {
	s := New(Config{Policy: types.PolicyFIFO})
	w, _ := newTestWorker(t, s)

	s.muQueries.Lock()
	s.muWorkers.Lock()
	q := &types.Query{ID: 1, ScriptPath: "x", State: types.QueryExec, PC: 12}
	s.queries[1] = q
	w.info.State = types.WorkerBusy
	w.info.HasCurrentQuery = true
	w.info.CurrentQuery = 1
	s.muWorkers.Unlock()
	s.muQueries.Unlock()

	s.disconnectWorker(w.id)

	assert.Equal(t, types.QueryReady, q.State)
	assert.Equal(t, int32(0), q.PC)
	_, stillPresent := s.workers[w.id]
	assert.False(t, stillPresent)
}

func TestCancelClientQueriesRetiresReadyQueries(t *testing.T) {
	s := New(Config{Policy: types.PolicyFIFO})
	s.muQueries.Lock()
	q := &types.Query{ID: 1, State: types.QueryReady, ClientChannel: "gone"}
	s.queries[1] = q
	s.ready = append(s.ready, 1)
	s.muQueries.Unlock()

	s.cancelClientQueries("gone")

	s.muQueries.Lock()
	_, stillPresent := s.queries[1]
	s.muQueries.Unlock()
	assert.False(t, stillPresent)
	assert.NotContains(t, s.ready, uint32(1))
}

func TestCancelClientQueriesEvictsExecQuery(t *testing.T) {
	s := New(Config{Policy: types.PolicyFIFO})
	w, conn := newTestWorker(t, s)

	s.muQueries.Lock()
	s.muWorkers.Lock()
	q := &types.Query{ID: 1, State: types.QueryExec, ClientChannel: "gone", AssignedWorker: w.id}
	s.queries[1] = q
	w.info.State = types.WorkerBusy
	w.info.HasCurrentQuery = true
	w.info.CurrentQuery = 1
	s.muWorkers.Unlock()
	s.muQueries.Unlock()

	go s.cancelClientQueries("gone")
	assert.Equal(t, wire.DispatchEvict, readOpcode(t, conn))

	assert.True(t, w.evictPending.Load())
	assert.True(t, w.cancelOnEvict)
}

func TestRegisterWorkerAdoptsSelfReportedNumericID(t *testing.T) {
	s := New(Config{Policy: types.PolicyFIFO})
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	w := &workerHandle{conn: server, enc: wire.NewEncoder(server), dec: wire.NewDecoder(server)}
	s.registerWorker(w, "42")

	assert.Equal(t, uint32(42), w.id)
	assert.Equal(t, uint32(43), s.nextWorkerID, "counter must advance past an adopted id")
}

func TestRegisterWorkerFallsBackToAutoAssignOnUnusableID(t *testing.T) {
	s := New(Config{Policy: types.PolicyFIFO})

	for _, selfID := range []string{"", "not-a-number", "0", "-3"} {
		server, client := net.Pipe()
		t.Cleanup(func() { server.Close(); client.Close() })

		w := &workerHandle{conn: server, enc: wire.NewEncoder(server), dec: wire.NewDecoder(server)}
		before := s.nextWorkerID
		s.registerWorker(w, selfID)
		assert.Equal(t, before+1, w.id)
		assert.Equal(t, before+1, s.nextWorkerID)
	}
}
