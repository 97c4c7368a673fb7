// Package worker implements shardquery's query executor: it connects to a
// scheduler, accepts DISPATCH_EXEC/DISPATCH_EVICT messages, interprets query
// scripts instruction by instruction, and serves each instruction's block
// accesses out of a paged in-memory cache backed by the storage engine.
//
// A worker runs one query's script at a time, per the scheduler's dispatch
// discipline, but keeps a handful of background goroutines: the scheduler
// connection reader (so DISPATCH_EVICT can arrive while the executor is
// mid-script) and the executor goroutine itself.
package worker
