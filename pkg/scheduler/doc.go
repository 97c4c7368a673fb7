// Package scheduler admits queries from clients, maintains a READY queue and
// a worker pool, and dispatches queries to free workers under a FIFO or
// priority-preemptive discipline with aging.
//
// Three locks guard scheduler state: L_queries, L_workers and L_dispatch.
// Any section that needs more than one must acquire them in that order and
// release in the reverse order. Most entry points take all three up front
// and release them through deferred unlocks, which Go's defer stack runs in
// reverse; the few that unlock explicitly (finishQuery, for one) do so in
// reverse order as well.
package scheduler
