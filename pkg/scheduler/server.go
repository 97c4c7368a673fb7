package scheduler

import (
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/shardquery/shardquery/pkg/wire"
)

// Server accepts client and worker connections on two independent
// listeners and hands each off to the Scheduler.
type Server struct {
	ClientAddr string
	WorkerAddr string
	sched      *Scheduler
}

// NewServer binds a Server to sched. Listeners are opened by ListenAndServe.
func NewServer(clientAddr, workerAddr string, sched *Scheduler) *Server {
	return &Server{ClientAddr: clientAddr, WorkerAddr: workerAddr, sched: sched}
}

// ListenAndServe opens both listeners and blocks accepting connections
// until one of them errors.
func (srv *Server) ListenAndServe() error {
	clientLn, err := net.Listen("tcp", srv.ClientAddr)
	if err != nil {
		return err
	}
	workerLn, err := net.Listen("tcp", srv.WorkerAddr)
	if err != nil {
		clientLn.Close()
		return err
	}

	srv.sched.log.Info().Str("client_addr", srv.ClientAddr).Str("worker_addr", srv.WorkerAddr).Msg("scheduler listening")

	var g errgroup.Group
	g.Go(func() error { return acceptLoop(clientLn, srv.sched.serveClient) })
	g.Go(func() error { return acceptLoop(workerLn, srv.acceptWorker) })
	return g.Wait()
}

func acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go handle(conn)
	}
}

// acceptWorker performs the worker handshake before handing the connection
// to the scheduler's per-worker reader loop.
func (srv *Server) acceptWorker(conn net.Conn) {
	s := srv.sched
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	op, err := dec.Opcode()
	if err != nil || op != wire.HandshakeWorker {
		conn.Close()
		return
	}
	hs, err := wire.DecodeWorkerHandshakeBody(dec)
	if err != nil {
		conn.Close()
		return
	}
	if err := enc.Opcode(wire.Confirmation); err != nil || enc.Flush() != nil {
		conn.Close()
		return
	}

	w := &workerHandle{conn: conn, enc: enc, dec: dec, log: s.log.With().Str("worker_str_id", hs.WorkerID).Logger()}
	s.registerWorker(w, hs.WorkerID)
	s.log.Info().Uint32("worker_id", w.id).Str("worker_str_id", hs.WorkerID).Msg("worker connected")

	s.dispatchNewWorker()
	s.serveWorker(w)
}
