package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shardquery/shardquery/pkg/types"
)

// MetadataTree manages the on-disk layout of file/tag metadata and the
// logical-to-physical hard links beneath it:
//
//	files/<file>/<tag>/metadata.json
//	files/<file>/<tag>/logical_blocks/000000, 000001, ...
//
// Each logical_blocks entry is a real hard link into the block pool's
// physical_blocks directory; the metadata file records, for each logical
// index, which physical block it currently resolves to, plus the tag's
// size and commit state.
type MetadataTree struct {
	root string
}

func NewMetadataTree(dataDir string) *MetadataTree {
	return &MetadataTree{root: filepath.Join(dataDir, "files")}
}

func (t *MetadataTree) tagDir(ft types.FileTag) string {
	return filepath.Join(t.root, ft.File, ft.Tag)
}

func (t *MetadataTree) metadataPath(ft types.FileTag) string {
	return filepath.Join(t.tagDir(ft), "metadata.json")
}

func (t *MetadataTree) logicalBlocksDir(ft types.FileTag) string {
	return filepath.Join(t.tagDir(ft), "logical_blocks")
}

// LogicalPath returns the hard-link path for logical block index of ft.
func (t *MetadataTree) LogicalPath(ft types.FileTag, index int) string {
	return filepath.Join(t.logicalBlocksDir(ft), fmt.Sprintf("%06d", index))
}

// Exists reports whether ft has a metadata file.
func (t *MetadataTree) Exists(ft types.FileTag) bool {
	_, err := os.Stat(t.metadataPath(ft))
	return err == nil
}

// Create lays down an empty, WORK_IN_PROGRESS tag directory for ft.
func (t *MetadataTree) Create(ft types.FileTag) error {
	if t.Exists(ft) {
		return fmt.Errorf("storage: %s already exists", ft)
	}
	if err := os.MkdirAll(t.logicalBlocksDir(ft), 0o755); err != nil {
		return err
	}
	return t.Save(ft, types.TagMetadata{State: types.TagWorkInProgress})
}

// Load reads ft's current metadata.
func (t *MetadataTree) Load(ft types.FileTag) (types.TagMetadata, error) {
	var m types.TagMetadata
	data, err := os.ReadFile(t.metadataPath(ft))
	if err != nil {
		return m, fmt.Errorf("storage: %s: %w", ft, os.ErrNotExist)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("storage: corrupt metadata for %s: %w", ft, err)
	}
	return m, nil
}

// Save persists ft's metadata and fsyncs it, making the change durable
// before the operation that produced it is acknowledged.
func (t *MetadataTree) Save(ft types.FileTag, m types.TagMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f, err := os.Create(t.metadataPath(ft))
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// LinkLogicalBlock hard-links ft's logical index to physical block n.
func (t *MetadataTree) LinkLogicalBlock(ft types.FileTag, index int, n uint32, pool *BlockPool) error {
	return os.Link(pool.PhysicalPath(n), t.LogicalPath(ft, index))
}

// UnlinkLogicalBlock removes ft's logical index's hard link, if present.
func (t *MetadataTree) UnlinkLogicalBlock(ft types.FileTag, index int) error {
	err := os.Remove(t.LogicalPath(ft, index))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveTag deletes ft's entire tag directory, including every logical
// link. The caller is responsible for releasing now-unreferenced physical
// blocks first.
func (t *MetadataTree) RemoveTag(ft types.FileTag) error {
	return os.RemoveAll(t.tagDir(ft))
}

// EnsureFileDir makes sure ft.File has a directory, used before Create
// writes the first tag under a brand new file name.
func (t *MetadataTree) EnsureFileDir(ft types.FileTag) error {
	return os.MkdirAll(filepath.Join(t.root, ft.File), 0o755)
}
