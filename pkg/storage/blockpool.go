package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// BlockPool is the fixed-size set of physical block files on disk. Every
// block in [0, NumBlocks) has a file from the moment the engine is
// fresh-started; "allocating" a block only ever means claiming its bitmap
// bit and linking a logical path to it, never creating new storage.
type BlockPool struct {
	dir       string
	blockSize uint32
	numBlocks uint32
}

func blockFileName(n uint32) string {
	return fmt.Sprintf("block%04d", n)
}

// PhysicalPath returns the canonical on-disk path of physical block n.
func (p *BlockPool) PhysicalPath(n uint32) string {
	return filepath.Join(p.dir, blockFileName(n))
}

// CreateBlockPool lays down numBlocks zero-filled files of blockSize bytes
// under dir, used on a fresh start.
func CreateBlockPool(dir string, blockSize, numBlocks uint32) (*BlockPool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	p := &BlockPool{dir: dir, blockSize: blockSize, numBlocks: numBlocks}
	zero := make([]byte, blockSize)
	for n := uint32(0); n < numBlocks; n++ {
		f, err := os.Create(p.PhysicalPath(n))
		if err != nil {
			return nil, fmt.Errorf("create physical block %d: %w", n, err)
		}
		if _, err := f.Write(zero); err != nil {
			f.Close()
			return nil, fmt.Errorf("zero-fill physical block %d: %w", n, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	return p, nil
}

// OpenBlockPool attaches to a previously created block pool directory
// without touching its contents.
func OpenBlockPool(dir string, blockSize, numBlocks uint32) (*BlockPool, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("open block pool: %w", err)
	}
	return &BlockPool{dir: dir, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// ReadAt reads exactly blockSize bytes of physical block n.
func (p *BlockPool) ReadAt(n uint32) ([]byte, error) {
	data, err := os.ReadFile(p.PhysicalPath(n))
	if err != nil {
		return nil, fmt.Errorf("read physical block %d: %w", n, err)
	}
	return data, nil
}

// WriteAt overwrites physical block n in place and fsyncs it, making the
// write durable before the caller's OP_OK is returned.
func (p *BlockPool) WriteAt(n uint32, data []byte) error {
	buf := make([]byte, p.blockSize)
	copy(buf, data)
	f, err := os.OpenFile(p.PhysicalPath(n), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write physical block %d: %w", n, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

// Zero resets physical block n to all-zero bytes, used when a freshly
// allocated block is handed to a new owner so no stale content leaks
// across files.
func (p *BlockPool) Zero(n uint32) error {
	return p.WriteAt(n, make([]byte, p.blockSize))
}

// RefCount reports how many hard links point at physical block n's file,
// minus the block pool's own canonical entry. A result of 0 means no
// logical block references it; a result greater than 1 means it is shared
// across more than one logical block and must be copy-on-write protected
// before any in-place mutation.
func (p *BlockPool) RefCount(n uint32) (int, error) {
	info, err := os.Stat(p.PhysicalPath(n))
	if err != nil {
		return 0, fmt.Errorf("stat physical block %d: %w", n, err)
	}
	links, err := hardLinkCount(info)
	if err != nil {
		return 0, err
	}
	return links - 1, nil
}
