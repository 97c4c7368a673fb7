package storage

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/metrics"
	"github.com/shardquery/shardquery/pkg/types"
)

// Config configures an Engine.
type Config struct {
	DataDir   string
	FSSize    uint64
	BlockSize uint32
	OpDelay   time.Duration
	BlockDelay time.Duration
}

// Engine is the storage side of shardquery: the superblock, the bitmap
// allocator, the physical block pool, the file/tag metadata tree and the
// dedup hash index, all serialized behind a single mutex. Spec §5 gives the
// scheduler a three-lock order across its own state; the storage engine has
// exactly one resource to protect and does not need a hierarchy.
type Engine struct {
	mu sync.Mutex

	dataDir string
	sb      Superblock
	bitmap  *Bitmap
	pool    *BlockPool
	meta    *MetadataTree
	hashes  *HashIndex

	opDelay    time.Duration
	blockDelay time.Duration

	log zerolog.Logger
}

func paths(dataDir string) (superblock, bitmap, blocks, hashdb string) {
	return filepath.Join(dataDir, "superblock.yaml"),
		filepath.Join(dataDir, "bitmap"),
		filepath.Join(dataDir, "physical_blocks"),
		filepath.Join(dataDir, "hashindex.bolt")
}

// Fresh wipes dataDir and reseeds an empty filesystem: a zero-filled block
// pool, an all-free bitmap (block 0 reserved), and initial_file:BASE
// committed with a single zero-filled block.
func Fresh(cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := os.RemoveAll(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("fresh start: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	sb := Superblock{FSSize: cfg.FSSize, BlockSize: cfg.BlockSize}
	sbPath, bitmapPath, blocksDir, hashPath := paths(cfg.DataDir)
	if err := SaveSuperblock(sbPath, sb); err != nil {
		return nil, err
	}

	numBlocks := sb.NumBlocks()
	pool, err := CreateBlockPool(blocksDir, sb.BlockSize, numBlocks)
	if err != nil {
		return nil, err
	}
	bitmap, err := CreateBitmap(bitmapPath, numBlocks)
	if err != nil {
		return nil, err
	}
	hashes, err := OpenHashIndex(hashPath)
	if err != nil {
		return nil, err
	}

	meta := NewMetadataTree(cfg.DataDir)
	if err := meta.EnsureFileDir(types.InitialFile); err != nil {
		return nil, err
	}
	if err := meta.Create(types.InitialFile); err != nil {
		return nil, err
	}
	if err := meta.LinkLogicalBlock(types.InitialFile, 0, 0, pool); err != nil {
		return nil, err
	}
	if err := meta.Save(types.InitialFile, types.TagMetadata{
		Size:   uint64(sb.BlockSize),
		Blocks: []uint32{0},
		State:  types.TagCommitted,
	}); err != nil {
		return nil, err
	}

	metrics.BlocksAllocated.Set(float64(bitmap.CountUsed()))
	metrics.BlocksFree.Set(float64(bitmap.CountFree()))

	return &Engine{
		dataDir:    cfg.DataDir,
		sb:         sb,
		bitmap:     bitmap,
		pool:       pool,
		meta:       meta,
		hashes:     hashes,
		opDelay:    cfg.OpDelay,
		blockDelay: cfg.BlockDelay,
		log:        log,
	}, nil
}

// Open attaches to an existing data directory without modifying it.
func Open(cfg Config, log zerolog.Logger) (*Engine, error) {
	sbPath, bitmapPath, blocksDir, hashPath := paths(cfg.DataDir)
	sb, err := LoadSuperblock(sbPath)
	if err != nil {
		return nil, err
	}
	numBlocks := sb.NumBlocks()
	pool, err := OpenBlockPool(blocksDir, sb.BlockSize, numBlocks)
	if err != nil {
		return nil, err
	}
	bitmap, err := LoadBitmap(bitmapPath, numBlocks)
	if err != nil {
		return nil, err
	}
	hashes, err := OpenHashIndex(hashPath)
	if err != nil {
		return nil, err
	}

	metrics.BlocksAllocated.Set(float64(bitmap.CountUsed()))
	metrics.BlocksFree.Set(float64(bitmap.CountFree()))

	return &Engine{
		dataDir:    cfg.DataDir,
		sb:         sb,
		bitmap:     bitmap,
		pool:       pool,
		meta:       NewMetadataTree(cfg.DataDir),
		hashes:     hashes,
		opDelay:    cfg.OpDelay,
		blockDelay: cfg.BlockDelay,
		log:        log,
	}, nil
}

func (e *Engine) Close() error {
	return e.hashes.Close()
}

// BlockSize returns the configured block size, answering GET_BLOCK_SIZE.
func (e *Engine) BlockSize() uint32 { return e.sb.BlockSize }

// UsageStats reports the engine's current block allocation in blocks, along
// with the configured block size in bytes.
func (e *Engine) UsageStats() (used, free uint32, blockSize uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitmap.CountUsed(), e.bitmap.CountFree(), e.sb.BlockSize
}

func (e *Engine) delay(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func (e *Engine) refreshGauges() {
	metrics.BlocksAllocated.Set(float64(e.bitmap.CountUsed()))
	metrics.BlocksFree.Set(float64(e.bitmap.CountFree()))
}

// blockCount returns how many logical blocks a file of size bytes needs.
func blockCount(size uint64, blockSize uint32) int {
	n := size / uint64(blockSize)
	if size%uint64(blockSize) != 0 {
		n++
	}
	return int(n)
}

// Create handles OP_CREATE: a brand new, empty, WORK_IN_PROGRESS tag.
func (e *Engine) Create(ft types.FileTag) (types.TagMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	if err := e.meta.EnsureFileDir(ft); err != nil {
		return types.TagMetadata{}, err
	}
	if err := e.meta.Create(ft); err != nil {
		return types.TagMetadata{}, err
	}
	return types.TagMetadata{State: types.TagWorkInProgress}, nil
}

// Truncate handles OP_TRUNCATE: grow or shrink ft to newSize, allocating or
// releasing whole blocks at the tail.
func (e *Engine) Truncate(ft types.FileTag, newSize uint64) (types.TagMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	m, err := e.meta.Load(ft)
	if err != nil {
		return m, err
	}
	if m.State == types.TagCommitted {
		return m, fmt.Errorf("storage: %s is committed, cannot truncate", ft)
	}

	want := blockCount(newSize, e.sb.BlockSize)
	have := len(m.Blocks)

	switch {
	case want > have:
		need := want - have
		fresh, err := e.bitmap.FindFreeBlocks(need)
		if err != nil {
			return m, err
		}
		for i, blk := range fresh {
			if err := e.pool.Zero(blk); err != nil {
				return m, err
			}
			idx := have + i
			if err := e.meta.LinkLogicalBlock(ft, idx, blk, e.pool); err != nil {
				return m, err
			}
			m.Blocks = append(m.Blocks, blk)
		}
	case want < have:
		for idx := have - 1; idx >= want; idx-- {
			if err := e.releaseLogicalBlock(ft, idx, m.Blocks[idx]); err != nil {
				return m, err
			}
		}
		m.Blocks = m.Blocks[:want]
	}

	m.Size = newSize
	if err := e.meta.Save(ft, m); err != nil {
		return m, err
	}
	e.refreshGauges()
	return m, nil
}

// releaseLogicalBlock unlinks ft's logical index and frees the physical
// block if nothing else references it. Never releases block 0.
func (e *Engine) releaseLogicalBlock(ft types.FileTag, index int, physical uint32) error {
	if err := e.meta.UnlinkLogicalBlock(ft, index); err != nil {
		return err
	}
	if physical == 0 {
		return nil
	}
	refs, err := e.pool.RefCount(physical)
	if err != nil {
		return err
	}
	if refs == 0 {
		// Drop the hash index entry if this block was the canonical copy of
		// its content, so a later COMMIT never relinks to a freed block.
		data, err := e.pool.ReadAt(physical)
		if err != nil {
			return err
		}
		hash := sha256.Sum256(data)
		canon, found, err := e.hashes.Lookup(hash)
		if err != nil {
			return err
		}
		if found && canon == physical {
			if err := e.hashes.Delete(hash); err != nil {
				return err
			}
		}
		e.bitmap.Set(physical, false)
		return e.bitmap.Sync()
	}
	return nil
}

// isShared reports whether physical block n must be copy-on-written before
// an in-place mutation: referenced by more than one logical block, or is
// the reserved all-zero block 0.
func (e *Engine) isShared(n uint32) (bool, error) {
	if n == 0 {
		return true, nil
	}
	refs, err := e.pool.RefCount(n)
	if err != nil {
		return false, err
	}
	return refs > 1, nil
}

// Write handles OP_WRITE: writes content at offset into ft, copy-on-writing
// any shared block it touches. A write is clipped to ft's declared logical
// Size, not its block allocation: TRUNCATE rounds allocation up to whole
// blocks, so Size and len(Blocks)*BlockSize diverge whenever Size isn't
// block-aligned, and the instruction's overflow-truncation semantics are
// defined against Size.
func (e *Engine) Write(ft types.FileTag, offset uint64, content []byte) (types.TagMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	m, err := e.meta.Load(ft)
	if err != nil {
		return m, err
	}
	if m.State == types.TagCommitted {
		return m, fmt.Errorf("storage: %s is committed, cannot write", ft)
	}

	if offset >= m.Size {
		return m, nil
	}
	if remaining := m.Size - offset; uint64(len(content)) > remaining {
		content = content[:remaining]
	}

	blockSize := uint64(e.sb.BlockSize)
	written := 0
	for written < len(content) {
		curOffset := offset + uint64(written)
		index := int(curOffset / blockSize)
		if index >= len(m.Blocks) {
			break
		}
		withinBlock := int(curOffset % blockSize)
		n := len(content) - written
		if withinBlock+n > int(blockSize) {
			n = int(blockSize) - withinBlock
		}
		chunk := content[written : written+n]

		physical := m.Blocks[index]
		shared, err := e.isShared(physical)
		if err != nil {
			return m, err
		}
		if shared {
			newBlk, err := e.copyOnWrite(ft, index, physical)
			if err != nil {
				return m, err
			}
			physical = newBlk
			m.Blocks[index] = newBlk
		}

		data, err := e.pool.ReadAt(physical)
		if err != nil {
			return m, err
		}
		copy(data[withinBlock:withinBlock+len(chunk)], chunk)
		e.delay(e.blockDelay)
		if err := e.pool.WriteAt(physical, data); err != nil {
			return m, err
		}
		written += n
	}

	if err := e.meta.Save(ft, m); err != nil {
		return m, err
	}
	return m, nil
}

// copyOnWrite allocates a fresh physical block, copies physical's content
// into it, and relinks ft's logical index to point at the copy. Called
// whenever a mutation is about to touch a block still shared by another
// logical block, or block 0 itself.
func (e *Engine) copyOnWrite(ft types.FileTag, index int, physical uint32) (uint32, error) {
	fresh, err := e.bitmap.FindFreeBlocks(1)
	if err != nil {
		return 0, err
	}
	newBlk := fresh[0]
	data, err := e.pool.ReadAt(physical)
	if err != nil {
		return 0, err
	}
	if err := e.pool.WriteAt(newBlk, data); err != nil {
		return 0, err
	}
	if err := e.meta.UnlinkLogicalBlock(ft, index); err != nil {
		return 0, err
	}
	if err := e.meta.LinkLogicalBlock(ft, index, newBlk, e.pool); err != nil {
		return 0, err
	}
	metrics.CowCopiesTotal.Inc()
	e.refreshGauges()
	return newBlk, nil
}

// Read handles OP_READ: returns up to size bytes starting at offset,
// possibly spanning multiple logical blocks. Reads are not restricted to
// block alignment at the protocol level even though this engine's only
// client, the worker's paged memory, always requests aligned full blocks.
func (e *Engine) Read(ft types.FileTag, offset, size uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	m, err := e.meta.Load(ft)
	if err != nil {
		return nil, err
	}

	blockSize := uint64(e.sb.BlockSize)
	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		curOffset := offset + uint64(len(out))
		index := int(curOffset / blockSize)
		if index >= len(m.Blocks) {
			break
		}
		withinBlock := int(curOffset % blockSize)
		remaining := size - uint64(len(out))

		e.delay(e.blockDelay)
		data, err := e.pool.ReadAt(m.Blocks[index])
		if err != nil {
			return nil, err
		}
		n := uint64(len(data) - withinBlock)
		if n > remaining {
			n = remaining
		}
		out = append(out, data[withinBlock:withinBlock+int(n)]...)
	}
	return out, nil
}

// Tag handles OP_TAG: fork src into a brand new dst, deep-copying every
// block src references. Unlike WRITE's copy-on-write, TAG always copies:
// the new tag must never transparently share storage with its source.
func (e *Engine) Tag(src, dst types.FileTag) (types.TagMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	srcMeta, err := e.meta.Load(src)
	if err != nil {
		return types.TagMetadata{}, err
	}
	if e.meta.Exists(dst) {
		return types.TagMetadata{}, fmt.Errorf("storage: %s already exists", dst)
	}
	if err := e.meta.EnsureFileDir(dst); err != nil {
		return types.TagMetadata{}, err
	}
	if err := e.meta.Create(dst); err != nil {
		return types.TagMetadata{}, err
	}

	dstMeta := types.TagMetadata{Size: srcMeta.Size, State: types.TagWorkInProgress}
	for i, blk := range srcMeta.Blocks {
		fresh, err := e.bitmap.FindFreeBlocks(1)
		if err != nil {
			return dstMeta, err
		}
		newBlk := fresh[0]
		data, err := e.pool.ReadAt(blk)
		if err != nil {
			return dstMeta, err
		}
		if err := e.pool.WriteAt(newBlk, data); err != nil {
			return dstMeta, err
		}
		if err := e.meta.LinkLogicalBlock(dst, i, newBlk, e.pool); err != nil {
			return dstMeta, err
		}
		dstMeta.Blocks = append(dstMeta.Blocks, newBlk)
	}

	if err := e.meta.Save(dst, dstMeta); err != nil {
		return dstMeta, err
	}
	e.refreshGauges()
	return dstMeta, nil
}

// Commit handles OP_COMMIT: for every block ft references, consult the
// dedup hash index. A block whose content already has a canonical copy
// elsewhere is relinked to that copy and released if it was the last
// reference to its own physical block; otherwise it becomes the new
// canonical copy for its hash. ft is then marked COMMITTED.
func (e *Engine) Commit(ft types.FileTag) (types.TagMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	m, err := e.meta.Load(ft)
	if err != nil {
		return m, err
	}
	if m.State == types.TagCommitted {
		return m, fmt.Errorf("storage: %s is already committed", ft)
	}

	for i, blk := range m.Blocks {
		data, err := e.pool.ReadAt(blk)
		if err != nil {
			return m, err
		}
		hash := sha256.Sum256(data)

		canon, found, err := e.hashes.Lookup(hash)
		if err != nil {
			return m, err
		}
		if !found {
			if err := e.hashes.Put(hash, blk); err != nil {
				return m, err
			}
			continue
		}
		if canon == blk {
			continue
		}

		metrics.DedupHitsTotal.Inc()
		if err := e.meta.UnlinkLogicalBlock(ft, i); err != nil {
			return m, err
		}
		if err := e.meta.LinkLogicalBlock(ft, i, canon, e.pool); err != nil {
			return m, err
		}
		m.Blocks[i] = canon

		refs, err := e.pool.RefCount(blk)
		if err != nil {
			return m, err
		}
		if refs == 0 && blk != 0 {
			e.bitmap.Set(blk, false)
			if err := e.bitmap.Sync(); err != nil {
				return m, err
			}
		}
	}

	m.State = types.TagCommitted
	if err := e.meta.Save(ft, m); err != nil {
		return m, err
	}
	e.refreshGauges()
	return m, nil
}

// Flush handles OP_FLUSH. The worker's own paged memory has already
// written its dirty frames back via OP_WRITE by the time this arrives;
// here it exists to make ft's on-disk state explicitly durable.
func (e *Engine) Flush(ft types.FileTag) (types.TagMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)
	return e.meta.Load(ft)
}

// Delete handles OP_DELETE: removes ft's tag directory and releases every
// physical block that drops to zero references. initial_file:BASE is
// rejected by the executor before this is ever called.
func (e *Engine) Delete(ft types.FileTag) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay(e.opDelay)

	m, err := e.meta.Load(ft)
	if err != nil {
		return err
	}
	for i, blk := range m.Blocks {
		if err := e.releaseLogicalBlock(ft, i, blk); err != nil {
			return err
		}
	}
	if err := e.meta.RemoveTag(ft); err != nil {
		return err
	}
	e.refreshGauges()
	return nil
}
