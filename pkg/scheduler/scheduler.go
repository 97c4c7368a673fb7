package scheduler

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/log"
	"github.com/shardquery/shardquery/pkg/metrics"
	"github.com/shardquery/shardquery/pkg/types"
)

// Config configures a Scheduler.
type Config struct {
	Policy        types.PriorityPolicy
	AgingInterval time.Duration
}

// Scheduler owns the READY queue and the worker pool, and implements
// admission, dispatch, preemption and aging per the scheduler's worker- and
// client-facing state machines.
type Scheduler struct {
	policy        types.PriorityPolicy
	agingInterval time.Duration

	muQueries  sync.Mutex
	muWorkers  sync.Mutex
	muDispatch sync.Mutex

	queries     map[uint32]*types.Query
	ready       []uint32
	nextQueryID uint32

	workers      map[uint32]*workerHandle
	nextWorkerID uint32

	clientsMu sync.Mutex
	clients   map[string]*clientHandle

	log    zerolog.Logger
	stopCh chan struct{}
}

// New builds a Scheduler. Call Start to begin the aging loop (if
// configured) and the network listeners separately via Server.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		policy:        cfg.Policy,
		agingInterval: cfg.AgingInterval,
		queries:       make(map[uint32]*types.Query),
		workers:       make(map[uint32]*workerHandle),
		clients:       make(map[string]*clientHandle),
		log:           log.WithComponent("scheduler"),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the aging background task. Aging only runs under the
// PRIORITY policy with a positive interval.
func (s *Scheduler) Start() {
	if s.policy == types.PolicyPriority && s.agingInterval > 0 {
		go s.ageLoop()
	}
}

// Stop halts the aging loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) ageLoop() {
	ticker := time.NewTicker(s.agingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.age()
		case <-s.stopCh:
			return
		}
	}
}

// age decrements the priority of every READY query once, per the aging
// rule: priority never drops below 0, and a change triggers a dispatch
// pass so a newly-most-urgent query can be placed immediately.
func (s *Scheduler) age() {
	s.muQueries.Lock()
	defer s.muQueries.Unlock()
	s.muWorkers.Lock()
	defer s.muWorkers.Unlock()
	s.muDispatch.Lock()
	defer s.muDispatch.Unlock()

	changed := false
	for _, id := range s.ready {
		q := s.queries[id]
		if q.Priority > 0 {
			q.Priority--
			q.ReadyCycles = 0
			changed = true
			metrics.AgingAdjustmentsTotal.Inc()
		}
	}
	if changed {
		s.dispatchLocked()
	}
}

// Submit admits a new query from clientID, attempts to dispatch it
// immediately, and falls back to priority preemption if nothing is free.
// Returns the newly assigned query id.
func (s *Scheduler) Submit(clientID, scriptPath string, priority int32) uint32 {
	s.muQueries.Lock()
	defer s.muQueries.Unlock()
	s.muWorkers.Lock()
	defer s.muWorkers.Unlock()
	s.muDispatch.Lock()
	defer s.muDispatch.Unlock()

	s.nextQueryID++
	id := s.nextQueryID
	q := &types.Query{
		ID:               id,
		Priority:         priority,
		PriorityOriginal: priority,
		ScriptPath:       scriptPath,
		ClientChannel:    clientID,
		State:            types.QueryReady,
		SubmittedAt:      time.Now(),
	}
	s.queries[id] = q
	s.ready = append(s.ready, id)
	metrics.QueriesReady.Inc()

	s.dispatchLocked()

	if q.State == types.QueryReady && s.policy == types.PolicyPriority {
		s.tryPreemptFor(q)
	}
	return id
}

// dispatchLocked implements the core dispatch loop of §4.1. Callers must
// hold muQueries, muWorkers and muDispatch.
func (s *Scheduler) dispatchLocked() {
	for {
		if len(s.ready) == 0 {
			return
		}
		w := s.firstFreeWorkerLocked()
		if w == nil {
			return
		}
		idx := s.selectNextLocked()
		if idx < 0 {
			return
		}
		qid := s.ready[idx]
		q := s.queries[qid]

		s.ready = append(s.ready[:idx], s.ready[idx+1:]...)
		q.State = types.QueryExec
		q.HasAssignedWorker = true
		q.AssignedWorker = w.id
		q.ReadyCycles = 0
		w.info.State = types.WorkerBusy
		w.info.HasCurrentQuery = true
		w.info.CurrentQuery = qid

		metrics.QueriesReady.Dec()
		metrics.QueriesExec.Inc()
		metrics.DispatchTotal.Inc()
		metrics.DispatchLatency.Observe(time.Since(q.SubmittedAt).Seconds())

		s.log.Info().Uint32("query_id", qid).Uint32("worker_id", w.id).Int32("pc", q.PC).Msg("dispatching query")
		if !w.sendDispatch(qid, q.PC, q.ScriptPath) {
			// The worker vanished between selection and send: put the
			// query back and try the next iteration with a clean worker
			// set, per the idempotent best-effort dispatch rule.
			q.State = types.QueryReady
			q.HasAssignedWorker = false
			w.info.State = types.WorkerBusy
			s.ready = append(s.ready, qid)
			metrics.QueriesReady.Inc()
			metrics.QueriesExec.Dec()
			continue
		}
	}
}

// selectNextLocked returns the ready-slice index of the next query to run,
// or -1 if ready is empty.
func (s *Scheduler) selectNextLocked() int {
	if len(s.ready) == 0 {
		return -1
	}
	if s.policy == types.PolicyFIFO {
		return 0
	}
	best := 0
	bestPriority := s.queries[s.ready[0]].Priority
	for i := 1; i < len(s.ready); i++ {
		p := s.queries[s.ready[i]].Priority
		if p < bestPriority {
			best = i
			bestPriority = p
		}
	}
	return best
}

func (s *Scheduler) firstFreeWorkerLocked() *workerHandle {
	for _, w := range s.workers {
		if w.info.State == types.WorkerIdle {
			return w
		}
	}
	return nil
}

// tryPreemptFor implements §4.1's preemption rule for a single freshly
// admitted query that dispatchLocked could not place: find the busy worker
// running the numerically largest (lowest-urgency) priority, and evict it
// if q outranks it. Callers must hold all three locks.
func (s *Scheduler) tryPreemptFor(q *types.Query) {
	var victim *workerHandle
	var victimPriority int32 = -1
	for _, w := range s.workers {
		if w.info.State != types.WorkerBusy || w.evictPending.Load() {
			continue
		}
		cq, ok := s.queries[w.info.CurrentQuery]
		if !ok {
			continue
		}
		if cq.Priority > victimPriority {
			victimPriority = cq.Priority
			victim = w
		}
	}
	if victim == nil || q.Priority >= victimPriority {
		return
	}

	s.log.Info().Uint32("query_id", q.ID).Uint32("worker_id", victim.id).
		Uint32("victim_query_id", victim.info.CurrentQuery).Msg("preempting")
	victim.evictPending.Store(true)
	victim.pendingEvictQuery = victim.info.CurrentQuery
	if !victim.sendEvict() {
		victim.evictPending.Store(false)
	}
	metrics.PreemptionsTotal.Inc()
}

// handleEvictReply completes a preemption once the evicted worker reports
// back its program counter: the preempted query returns to READY, the
// worker becomes IDLE, and a fresh dispatch pass runs.
func (s *Scheduler) handleEvictReply(workerID uint32, pc int32) {
	s.muQueries.Lock()
	defer s.muQueries.Unlock()
	s.muWorkers.Lock()
	defer s.muWorkers.Unlock()
	s.muDispatch.Lock()
	defer s.muDispatch.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	qid := w.pendingEvictQuery
	cancel := w.cancelOnEvict
	w.cancelOnEvict = false
	q, ok := s.queries[qid]
	if ok {
		metrics.QueriesExec.Dec()
		if cancel {
			q.State = types.QueryExit
			delete(s.queries, qid)
		} else {
			q.PC = pc
			q.State = types.QueryReady
			q.HasAssignedWorker = false
			s.ready = append(s.ready, qid)
			metrics.QueriesReady.Inc()
		}
	}
	w.info.State = types.WorkerIdle
	w.info.HasCurrentQuery = false
	w.info.CurrentQuery = 0

	s.dispatchLocked()
}

// handleQueryEnd processes normal script termination (OP_END from a
// worker).
func (s *Scheduler) handleQueryEnd(workerID, qid uint32) {
	s.finishQuery(workerID, qid, "end of script")
}

// handleQueryError processes a worker-reported critical failure.
func (s *Scheduler) handleQueryError(workerID, qid uint32, message string) {
	if c := s.clientFor(qid); c != nil {
		c.sendExecError(qid, message)
	}
	s.finishQuery(workerID, qid, "error: "+message)
}

func (s *Scheduler) finishQuery(workerID, qid uint32, reason string) {
	s.muQueries.Lock()
	s.muWorkers.Lock()
	s.muDispatch.Lock()

	q, ok := s.queries[qid]
	if ok {
		q.State = types.QueryExit
		metrics.QueriesExec.Dec()
	}
	if w, ok := s.workers[workerID]; ok {
		w.info.State = types.WorkerIdle
		w.info.HasCurrentQuery = false
		w.info.CurrentQuery = 0
	}
	s.dispatchLocked()

	s.muDispatch.Unlock()
	s.muWorkers.Unlock()
	s.muQueries.Unlock()

	if c := s.clientFor(qid); c != nil {
		c.sendFinished(qid, reason)
	}
	delete(s.queries, qid)
}

func (s *Scheduler) clientFor(qid uint32) *clientHandle {
	s.muQueries.Lock()
	q, ok := s.queries[qid]
	s.muQueries.Unlock()
	if !ok {
		return nil
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.clients[q.ClientChannel]
}

// dispatchNewWorker runs a dispatch pass after a worker joins the pool, in
// case queries are already waiting in READY.
func (s *Scheduler) dispatchNewWorker() {
	s.muQueries.Lock()
	defer s.muQueries.Unlock()
	s.muWorkers.Lock()
	defer s.muWorkers.Unlock()
	s.muDispatch.Lock()
	defer s.muDispatch.Unlock()
	s.dispatchLocked()
}

// registerWorker admits a freshly handshaken worker into the pool. selfID is
// the worker's self-identification string from its handshake; when it
// parses as a positive integer it is adopted as the numeric worker id (and
// the auto-increment counter is advanced past it), matching the original
// master's atoi-and-adopt behavior. Otherwise the worker falls back to the
// next auto-assigned id.
func (s *Scheduler) registerWorker(h *workerHandle, selfID string) {
	s.muWorkers.Lock()
	s.nextWorkerID++
	id := s.nextWorkerID
	if parsed, ok := parseWorkerID(selfID); ok && parsed > 0 {
		id = parsed
		if parsed >= s.nextWorkerID {
			s.nextWorkerID = parsed + 1
		}
	}
	h.id = id
	h.info = &types.WorkerInfo{ID: h.id, State: types.WorkerIdle, Connected: true, ConnectedAt: time.Now()}
	s.workers[h.id] = h
	s.muWorkers.Unlock()
	metrics.WorkersConnected.Inc()
}

func parseWorkerID(s string) (uint32, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// disconnectWorker handles a worker channel closing or erroring: any
// in-flight query loses its warm context and returns to READY at pc=0.
func (s *Scheduler) disconnectWorker(workerID uint32) {
	s.muQueries.Lock()
	s.muWorkers.Lock()
	s.muDispatch.Lock()

	w, ok := s.workers[workerID]
	if ok {
		if w.info.HasCurrentQuery {
			if q, ok := s.queries[w.info.CurrentQuery]; ok {
				q.State = types.QueryReady
				q.PC = 0
				q.HasAssignedWorker = false
				s.ready = append(s.ready, q.ID)
				metrics.QueriesExec.Dec()
				metrics.QueriesReady.Inc()
			}
		}
		delete(s.workers, workerID)
		metrics.WorkersConnected.Dec()
	}
	s.dispatchLocked()

	s.muDispatch.Unlock()
	s.muWorkers.Unlock()
	s.muQueries.Unlock()
}

// cancelClientQueries implements the client-facing disconnect rule: READY
// queries from clientID are retired with "client disconnected"; an EXEC
// query is preempted first, then retired once its pc comes back.
func (s *Scheduler) cancelClientQueries(clientID string) {
	s.muQueries.Lock()
	var toRetire []uint32
	var toEvict []uint32
	for id, q := range s.queries {
		if q.ClientChannel != clientID {
			continue
		}
		switch q.State {
		case types.QueryReady:
			toRetire = append(toRetire, id)
		case types.QueryExec:
			toEvict = append(toEvict, id)
		}
	}
	s.muQueries.Unlock()

	for _, id := range toRetire {
		s.retireReady(id, "client disconnected")
	}
	for _, id := range toEvict {
		s.evictAndRetire(id, "client disconnected")
	}
}

func (s *Scheduler) retireReady(qid uint32, reason string) {
	s.muQueries.Lock()
	defer s.muQueries.Unlock()
	q, ok := s.queries[qid]
	if !ok || q.State != types.QueryReady {
		return
	}
	for i, id := range s.ready {
		if id == qid {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	q.State = types.QueryExit
	metrics.QueriesReady.Dec()
	delete(s.queries, qid)
}

func (s *Scheduler) evictAndRetire(qid uint32, reason string) {
	s.muQueries.Lock()
	s.muWorkers.Lock()

	q, ok := s.queries[qid]
	if !ok || !q.HasAssignedWorker {
		s.muWorkers.Unlock()
		s.muQueries.Unlock()
		return
	}
	w, ok := s.workers[q.AssignedWorker]
	s.muWorkers.Unlock()
	s.muQueries.Unlock()
	if !ok {
		return
	}

	w.evictPending.Store(true)
	w.pendingEvictQuery = qid
	w.cancelOnEvict = true
	w.sendEvict()
}
