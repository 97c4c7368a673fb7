// Package metrics defines and registers the Prometheus metrics exposed by
// shardquery's scheduler, worker and storage processes.
//
// Metrics are package-level variables registered with the default
// Prometheus registry at init time and exposed over HTTP via Handler.
// The Timer helper times an operation and records its duration to a
// histogram when the operation completes.
package metrics
