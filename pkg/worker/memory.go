package worker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/metrics"
	"github.com/shardquery/shardquery/pkg/types"
)

// ReplacementPolicy selects the frame-eviction algorithm a PagedMemory uses
// under pressure.
type ReplacementPolicy string

const (
	PolicyLRU     ReplacementPolicy = "lru"
	PolicyClockM  ReplacementPolicy = "clock-m"
)

type pageEntry struct {
	present  bool
	frame    int
	dirty    bool
	used     bool
	lastUsed int64
}

type frameMeta struct {
	valid bool
	owner types.FileTag
	index int
}

// PagedMemory is a worker's page-cache over the storage engine's blocks: a
// fixed set of frames, one page table per (file, tag), and either an LRU or
// a CLOCK-M replacement algorithm for picking a victim when all frames are
// in use. A single mutex covers the page tables, the free-frame list and
// the clock hand, matching the one-lock-per-worker-memory model.
type PagedMemory struct {
	mu sync.Mutex

	policy    ReplacementPolicy
	frameSize int
	frames    [][]byte
	frameMeta []frameMeta
	freeList  []int
	clockHand int
	clock     int64

	tables map[types.FileTag]map[int]*pageEntry

	// fileSizes shadows each (file, tag)'s declared logical size as last
	// reported by the storage engine's StatusReply, so WRITE can clip to it
	// without a dedicated stat round-trip. Persists across redispatches on
	// the same worker; lost like the page cache itself if the query later
	// resumes on a different worker.
	fileSizes map[types.FileTag]uint64

	storage blockStore
	log     zerolog.Logger
}

// blockStore is the subset of StorageClient that PagedMemory needs to fault
// pages in and write them back; factored out so tests can supply a fake.
type blockStore interface {
	ReadBlock(pc int32, ft types.FileTag, index int) ([]byte, error)
	WriteBlock(pc int32, ft types.FileTag, index int, data []byte) error
}

// NewPagedMemory allocates numFrames frames of frameSize bytes each.
func NewPagedMemory(policy ReplacementPolicy, numFrames, frameSize int, storage blockStore, log zerolog.Logger) *PagedMemory {
	pm := &PagedMemory{
		policy:    policy,
		frameSize: frameSize,
		frames:    make([][]byte, numFrames),
		frameMeta: make([]frameMeta, numFrames),
		freeList:  make([]int, numFrames),
		tables:    make(map[types.FileTag]map[int]*pageEntry),
		fileSizes: make(map[types.FileTag]uint64),
		storage:   storage,
		log:       log,
	}
	for i := 0; i < numFrames; i++ {
		pm.frames[i] = make([]byte, frameSize)
		pm.freeList[i] = numFrames - 1 - i
	}
	return pm
}

func (pm *PagedMemory) table(ft types.FileTag) map[int]*pageEntry {
	t, ok := pm.tables[ft]
	if !ok {
		t = make(map[int]*pageEntry)
		pm.tables[ft] = t
	}
	return t
}

// ReadBlock returns a copy of the logical block's current bytes, faulting
// it in from storage if necessary.
func (pm *PagedMemory) ReadBlock(pc int32, ft types.FileTag, index int) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	entry, err := pm.ensurePresent(pc, ft, index)
	if err != nil {
		return nil, err
	}
	entry.used = true
	pm.clock++
	entry.lastUsed = pm.clock
	out := make([]byte, pm.frameSize)
	copy(out, pm.frames[entry.frame])
	return out, nil
}

// MutateBlock faults the logical block in if necessary, applies fn to the
// frame's live bytes, and marks the page dirty.
func (pm *PagedMemory) MutateBlock(pc int32, ft types.FileTag, index int, fn func(frame []byte)) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	entry, err := pm.ensurePresent(pc, ft, index)
	if err != nil {
		return err
	}
	fn(pm.frames[entry.frame])
	entry.dirty = true
	entry.used = true
	pm.clock++
	entry.lastUsed = pm.clock
	return nil
}

// ensurePresent must be called with pm.mu held.
func (pm *PagedMemory) ensurePresent(pc int32, ft types.FileTag, index int) (*pageEntry, error) {
	table := pm.table(ft)
	entry, ok := table[index]
	if ok && entry.present {
		return entry, nil
	}
	if !ok {
		entry = &pageEntry{}
		table[index] = entry
	}

	frame, err := pm.acquireFrame(pc)
	if err != nil {
		return nil, err
	}

	data, err := pm.storage.ReadBlock(pc, ft, index)
	if err != nil {
		pm.freeList = append(pm.freeList, frame)
		return nil, fmt.Errorf("page fault on %s[%d]: %w", ft, index, err)
	}
	copy(pm.frames[frame], data)

	entry.present = true
	entry.frame = frame
	entry.dirty = false
	entry.used = false
	pm.frameMeta[frame] = frameMeta{valid: true, owner: ft, index: index}
	metrics.PageFaultsTotal.WithLabelValues(string(pm.policy)).Inc()
	return entry, nil
}

// acquireFrame must be called with pm.mu held.
func (pm *PagedMemory) acquireFrame(pc int32) (int, error) {
	if n := len(pm.freeList); n > 0 {
		f := pm.freeList[n-1]
		pm.freeList = pm.freeList[:n-1]
		return f, nil
	}
	return pm.evict(pc)
}

// evict picks a victim frame per the configured policy, writes it back if
// dirty, and returns it ready for reuse. Must be called with pm.mu held.
func (pm *PagedMemory) evict(pc int32) (int, error) {
	var victim int
	switch pm.policy {
	case PolicyLRU:
		victim = pm.pickLRUVictim()
	default:
		victim = pm.pickClockMVictim()
	}

	meta := pm.frameMeta[victim]
	entry := pm.tables[meta.owner][meta.index]
	if entry.dirty {
		if err := pm.storage.WriteBlock(pc, meta.owner, meta.index, pm.frames[victim]); err != nil {
			return 0, fmt.Errorf("writeback %s[%d]: %w", meta.owner, meta.index, err)
		}
		metrics.PageWritebacksTotal.WithLabelValues(string(pm.policy)).Inc()
		entry.dirty = false
	}
	entry.present = false
	pm.frameMeta[victim] = frameMeta{}
	metrics.PageEvictionsTotal.WithLabelValues(string(pm.policy)).Inc()
	return victim, nil
}

func (pm *PagedMemory) pickLRUVictim() int {
	best := -1
	var bestUsed int64
	for frame, meta := range pm.frameMeta {
		if !meta.valid {
			continue
		}
		entry := pm.tables[meta.owner][meta.index]
		if best == -1 || entry.lastUsed < bestUsed {
			best = frame
			bestUsed = entry.lastUsed
		}
	}
	return best
}

// pickClockMVictim implements the two-pass, four-class CLOCK-M sweep: a
// first sweep looks for used=false,dirty=false without touching anything; a
// second looks for used=false,dirty=true and clears the used bit of every
// other page it passes. After two rounds of both sweeps the current hand
// position is taken regardless.
func (pm *PagedMemory) pickClockMVictim() int {
	n := len(pm.frameMeta)
	for step := 0; step < 4*n; step++ {
		wantDirty := (step/n)%2 == 1
		idx := pm.clockHand
		pm.clockHand = (pm.clockHand + 1) % n
		meta := pm.frameMeta[idx]
		if !meta.valid {
			continue
		}
		entry := pm.tables[meta.owner][meta.index]
		if !entry.used && entry.dirty == wantDirty {
			return idx
		}
		if !wantDirty {
			continue
		}
		entry.used = false
	}
	return (pm.clockHand - 1 + n) % n
}

// DropFileTag evicts every present page of ft without writeback, returning
// the frames to the free list. Used on DELETE: the storage side has already
// removed the tag, so dirty data would have nowhere to go. Also clears the
// tracked logical size, since TRUNCATE's caller sets it back immediately
// afterward but DELETE's does not.
func (pm *PagedMemory) DropFileTag(ft types.FileTag) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	table, ok := pm.tables[ft]
	if ok {
		for _, entry := range table {
			if entry.present {
				pm.frameMeta[entry.frame] = frameMeta{}
				pm.freeList = append(pm.freeList, entry.frame)
			}
		}
		delete(pm.tables, ft)
	}
	delete(pm.fileSizes, ft)
}

// SetSize records ft's current logical size as last reported by the
// storage engine, for WRITE to clip against.
func (pm *PagedMemory) SetSize(ft types.FileTag, size uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.fileSizes[ft] = size
}

// Size returns ft's last-known logical size and whether it is known at all.
func (pm *PagedMemory) Size(ft types.FileTag) (uint64, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	size, ok := pm.fileSizes[ft]
	return size, ok
}

// FlushFileTag writes back every dirty present page of ft, used by the FLUSH
// instruction and COMMIT's implicit flush. The order of the writebacks is not
// defined.
func (pm *PagedMemory) FlushFileTag(pc int32, ft types.FileTag) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	table, ok := pm.tables[ft]
	if !ok {
		return nil
	}
	for index, entry := range table {
		if entry.present && entry.dirty {
			if err := pm.storage.WriteBlock(pc, ft, index, pm.frames[entry.frame]); err != nil {
				return fmt.Errorf("flush %s[%d]: %w", ft, index, err)
			}
			metrics.PageWritebacksTotal.WithLabelValues(string(pm.policy)).Inc()
			entry.dirty = false
		}
	}
	return nil
}
