package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Superblock is the storage engine's single piece of filesystem-wide
// configuration: the total addressable space and the fixed block size that
// every physical block, bitmap bit and wire READ/WRITE is measured in. It is
// persisted as YAML so an operator can hand-edit it between fresh starts.
type Superblock struct {
	FSSize    uint64 `yaml:"fs_size"`
	BlockSize uint32 `yaml:"block_size"`
}

// NumBlocks returns the fixed size of the physical block pool.
func (s Superblock) NumBlocks() uint32 {
	n := s.FSSize / uint64(s.BlockSize)
	if s.FSSize%uint64(s.BlockSize) != 0 {
		n++
	}
	return uint32(n)
}

// LoadSuperblock reads and validates the superblock at path.
func LoadSuperblock(path string) (Superblock, error) {
	var sb Superblock
	data, err := os.ReadFile(path)
	if err != nil {
		return sb, fmt.Errorf("read superblock: %w", err)
	}
	if err := yaml.Unmarshal(data, &sb); err != nil {
		return sb, fmt.Errorf("parse superblock: %w", err)
	}
	if sb.BlockSize == 0 {
		return sb, fmt.Errorf("superblock: block_size must be nonzero")
	}
	if sb.FSSize < uint64(sb.BlockSize) {
		return sb, fmt.Errorf("superblock: fs_size must be at least one block")
	}
	return sb, nil
}

// SaveSuperblock writes sb to path as YAML, fsyncing before close so a fresh
// start is durable before anything else is built on top of it.
func SaveSuperblock(path string, sb Superblock) error {
	data, err := yaml.Marshal(sb)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
