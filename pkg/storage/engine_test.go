package storage

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/types"
)

func freshEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Fresh(Config{DataDir: dir, FSSize: 64 * 1024, BlockSize: 1024}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestFreshSeedsInitialFile(t *testing.T) {
	e := freshEngine(t)
	m, err := e.meta.Load(types.InitialFile)
	if err != nil {
		t.Fatalf("load initial_file: %v", err)
	}
	if m.State != types.TagCommitted {
		t.Fatalf("expected initial_file:BASE committed, got %v", m.State)
	}
	if len(m.Blocks) != 1 || m.Blocks[0] != 0 {
		t.Fatalf("expected initial_file:BASE to reference block 0, got %v", m.Blocks)
	}
	if e.bitmap.Get(0) != true {
		t.Fatal("block 0 must be marked used")
	}
}

func TestCreateTruncateWriteReadRoundTrip(t *testing.T) {
	e := freshEngine(t)
	ft := types.FileTag{File: "doc", Tag: "BASE"}

	if _, err := e.Create(ft); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Truncate(ft, 2048); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := e.Write(ft, 0, []byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := e.Read(ft, 0, 11)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
}

func TestWriteClipsAtDeclaredSizeNotAllocationBoundary(t *testing.T) {
	e := freshEngine(t)
	ft := types.FileTag{File: "clip", Tag: "BASE"}
	e.Create(ft)
	// BlockSize is 1024; a size of 1000 still allocates one whole block, so
	// Size (1000) and the allocation boundary (1024) diverge.
	if _, err := e.Truncate(ft, 1000); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	content := make([]byte, 100)
	for i := range content {
		content[i] = 'x'
	}
	if _, err := e.Write(ft, 950, content); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Only the 50 bytes within the declared size (950..1000) may have been
	// written; the rest of the allocated block must remain untouched.
	data, err := e.Read(ft, 950, 74)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range data {
		if i < 50 {
			if b != 'x' {
				t.Fatalf("expected byte %d within declared size to be written, got %v", i, data)
			}
		} else if b != 0 {
			t.Fatalf("expected byte %d beyond declared size to be untouched, got %v", i, data)
		}
	}
}

func TestWriteAtOrPastDeclaredSizeIsNoop(t *testing.T) {
	e := freshEngine(t)
	ft := types.FileTag{File: "clip-noop", Tag: "BASE"}
	e.Create(ft)
	if _, err := e.Truncate(ft, 1000); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := e.Write(ft, 1000, []byte("unreachable")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := e.Read(ft, 1000, 11)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range data {
		if b != 0 {
			t.Fatalf("expected write at/past declared size to be a no-op, got %v", data)
		}
	}
}

func TestWriteToTagForkLeavesSourceIntact(t *testing.T) {
	e := freshEngine(t)
	src := types.FileTag{File: "cow", Tag: "BASE"}
	e.Create(src)
	e.Truncate(src, 1024)
	e.Write(src, 0, []byte("original"))
	e.Commit(src)

	dst := types.FileTag{File: "cow", Tag: "FORK"}
	if _, err := e.Tag(src, dst); err != nil {
		t.Fatalf("tag: %v", err)
	}

	srcMeta, _ := e.meta.Load(src)
	dstMeta, _ := e.meta.Load(dst)
	if srcMeta.Blocks[0] == dstMeta.Blocks[0] {
		t.Fatal("TAG must deep-copy, not share, physical blocks")
	}

	if _, err := e.Write(dst, 0, []byte("mutated!")); err != nil {
		t.Fatalf("write to fork: %v", err)
	}
	srcData, _ := e.Read(src, 0, 8)
	if string(srcData) != "original" {
		t.Fatalf("mutating the fork must not affect the source, got %q", srcData)
	}
}

func TestCommitDeduplicatesIdenticalBlocks(t *testing.T) {
	e := freshEngine(t)
	a := types.FileTag{File: "dup", Tag: "A"}
	b := types.FileTag{File: "dup", Tag: "B"}

	e.Create(a)
	e.Truncate(a, 1024)
	e.Write(a, 0, []byte("same content"))
	e.Commit(a)

	e.Create(b)
	e.Truncate(b, 1024)
	e.Write(b, 0, []byte("same content"))
	e.Commit(b)

	ma, _ := e.meta.Load(a)
	mb, _ := e.meta.Load(b)
	if ma.Blocks[0] != mb.Blocks[0] {
		t.Fatalf("expected identical committed content to dedup to the same block, got %d and %d", ma.Blocks[0], mb.Blocks[0])
	}
}

func TestDeleteReleasesUnsharedBlocks(t *testing.T) {
	e := freshEngine(t)
	ft := types.FileTag{File: "gone", Tag: "BASE"}
	e.Create(ft)
	e.Truncate(ft, 1024)
	e.Write(ft, 0, []byte("bye"))

	m, _ := e.meta.Load(ft)
	blk := m.Blocks[0]
	freeBefore := e.bitmap.CountFree()

	if err := e.Delete(ft); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if e.bitmap.Get(blk) {
		t.Fatal("expected released block to be marked free")
	}
	if e.bitmap.CountFree() != freeBefore+1 {
		t.Fatalf("expected free count to increase by 1, got %d -> %d", freeBefore, e.bitmap.CountFree())
	}
	if e.meta.Exists(ft) {
		t.Fatal("expected tag metadata to be removed")
	}
}

func TestDeleteInitialFileRejectedByExecutorNotEngine(t *testing.T) {
	// The engine itself has no opinion on which tags are protected; that
	// policy lives in the worker's executor. Deleting initial_file:BASE at
	// the engine layer succeeds mechanically.
	e := freshEngine(t)
	if err := e.Delete(types.InitialFile); err != nil {
		t.Fatalf("engine-level delete of initial_file:BASE: %v", err)
	}
}
