// Package log provides shardquery's structured logging on top of zerolog: a
// package-level Logger, Init(Config) to set level and output format, and
// WithComponent/WithQueryID/WithWorkerID/WithFileTag helpers that return
// child loggers carrying the corresponding field.
//
// Each long-lived goroutine (dispatch loop, aging ticker, connection reader)
// should build its component logger once at construction time rather than
// calling these helpers per log line.
package log
