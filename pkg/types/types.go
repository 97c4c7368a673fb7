package types

import (
	"strings"
	"time"
)

// QueryState is the lifecycle state of a Query as tracked by the scheduler.
type QueryState string

const (
	QueryReady QueryState = "READY"
	QueryExec  QueryState = "EXEC"
	QueryExit  QueryState = "EXIT"
)

// PriorityPolicy selects how the scheduler picks the next query to dispatch.
type PriorityPolicy string

const (
	PolicyFIFO     PriorityPolicy = "fifo"
	PolicyPriority PriorityPolicy = "priority"
)

// Query is a unit of scheduled work: a script of file operations submitted
// by a client, identified by a monotonically assigned id.
//
// Exactly one of {in the READY queue, assigned to a worker (EXEC), retired
// (EXIT)} holds at any time; callers must hold the scheduler's queries lock
// before touching any field.
type Query struct {
	ID                uint32
	Priority          int32
	PriorityOriginal  int32
	ScriptPath        string
	ClientChannel     string
	State             QueryState
	PC                int32
	AssignedWorker    uint32
	HasAssignedWorker bool
	Cancelled         bool
	ReadyCycles       int
	SubmittedAt       time.Time
}

// WorkerState is the per-worker state tracked by the scheduler's worker-facing
// state machine.
type WorkerState string

const (
	WorkerHandshake    WorkerState = "HANDSHAKE"
	WorkerIdle         WorkerState = "IDLE"
	WorkerBusy         WorkerState = "BUSY"
	WorkerDisconnected WorkerState = "DISCONNECTED"
)

// WorkerInfo is the scheduler's view of a connected worker.
type WorkerInfo struct {
	ID                uint32
	State             WorkerState
	Connected         bool
	CurrentQuery      uint32
	HasCurrentQuery   bool
	ConnectedAt       time.Time
}

// Busy reports whether the worker currently has an assigned query.
func (w *WorkerInfo) Busy() bool {
	return w.HasCurrentQuery
}

// TagState is the lifecycle state of a (file, tag) pair in the storage engine.
type TagState string

const (
	TagWorkInProgress TagState = "WORK_IN_PROGRESS"
	TagCommitted      TagState = "COMMITTED"
)

// FileTag identifies a (file, tag) pair, the unit of user-visible content.
type FileTag struct {
	File string
	Tag  string
}

// DefaultTag is substituted whenever a tag is absent or empty on the wire.
const DefaultTag = "BASE"

// String renders the canonical "file:tag" form used in wire messages and logs.
func (ft FileTag) String() string {
	tag := ft.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return ft.File + ":" + tag
}

// ParseFileTag splits a "file:tag" token from a query script line into its
// FileTag, defaulting the tag to DefaultTag when absent or empty.
func ParseFileTag(s string) FileTag {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return FileTag{File: s, Tag: DefaultTag}
	}
	tag := s[i+1:]
	if tag == "" {
		tag = DefaultTag
	}
	return FileTag{File: s[:i], Tag: tag}
}

// InitialFile is the pre-seeded file:tag present in every freshly initialised
// storage mount, backed by physical block 0.
var InitialFile = FileTag{File: "initial_file", Tag: DefaultTag}

// TagMetadata is the persisted description of a (file, tag) pair.
type TagMetadata struct {
	Size   uint64
	Blocks []uint32
	State  TagState
}
