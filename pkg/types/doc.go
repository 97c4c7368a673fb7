// Package types defines the data model shared by shardquery's scheduler,
// worker and storage processes: queries, worker pool entries, and the
// file/tag/block vocabulary of the storage engine.
//
// These types carry no behavior beyond small accessors; the packages that
// own a given piece of state (pkg/scheduler for Query/WorkerInfo, pkg/storage
// for TagMetadata) are responsible for synchronizing access to it.
package types
