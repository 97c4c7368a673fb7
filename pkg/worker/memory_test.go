package worker

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shardquery/shardquery/pkg/types"
)

type fakeStore struct {
	blocks map[string][]byte
	reads  int
	writes int
	fail   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[string][]byte), fail: make(map[string]bool)}
}

func key(ft types.FileTag, index int) string {
	return fmt.Sprintf("%s#%d", ft, index)
}

func (f *fakeStore) ReadBlock(pc int32, ft types.FileTag, index int) ([]byte, error) {
	f.reads++
	k := key(ft, index)
	if f.fail[k] {
		return nil, fmt.Errorf("no such block")
	}
	if b, ok := f.blocks[k]; ok {
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	return make([]byte, 64), nil
}

func (f *fakeStore) WriteBlock(pc int32, ft types.FileTag, index int, data []byte) error {
	f.writes++
	k := key(ft, index)
	cp := make([]byte, len(data))
	copy(cp, data)
	f.blocks[k] = cp
	return nil
}

func TestPagedMemoryReadWriteRoundTrip(t *testing.T) {
	store := newFakeStore()
	pm := NewPagedMemory(PolicyLRU, 4, 64, store, zerolog.Nop())
	ft := types.FileTag{File: "F", Tag: "BASE"}

	err := pm.MutateBlock(0, ft, 0, func(frame []byte) {
		copy(frame, []byte("hello"))
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	data, err := pm.ReadBlock(0, ft, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data[:5]) != "hello" {
		t.Fatalf("got %q", data[:5])
	}
}

func TestPagedMemoryEvictsUnderPressureAndWritesBackDirty(t *testing.T) {
	store := newFakeStore()
	pm := NewPagedMemory(PolicyLRU, 2, 64, store, zerolog.Nop())
	ft := types.FileTag{File: "F", Tag: "BASE"}

	pm.MutateBlock(0, ft, 0, func(f []byte) { copy(f, []byte("aaa")) })
	pm.ReadBlock(0, ft, 1) // block 1 now also present; block 0 is LRU victim next
	if err := pm.MutateBlock(0, ft, 2, func(f []byte) { copy(f, []byte("ccc")) }); err != nil {
		t.Fatalf("mutate block 2: %v", err)
	}
	if store.writes == 0 {
		t.Fatal("expected a writeback for the dirty evicted block")
	}
	// The evicted block's content must have made it to the fake store.
	data, ok := store.blocks[key(ft, 0)]
	if !ok || string(data[:3]) != "aaa" {
		t.Fatalf("dirty block 0 was not written back correctly: %v %q", ok, data)
	}
}

func TestPagedMemoryDropFileTagSkipsWriteback(t *testing.T) {
	store := newFakeStore()
	pm := NewPagedMemory(PolicyClockM, 4, 64, store, zerolog.Nop())
	ft := types.FileTag{File: "F", Tag: "BASE"}

	pm.MutateBlock(0, ft, 0, func(f []byte) { copy(f, []byte("dirty")) })
	before := store.writes
	pm.DropFileTag(ft)
	if store.writes != before {
		t.Fatalf("DropFileTag should not write back dirty pages, writes went from %d to %d", before, store.writes)
	}
	if len(pm.freeList) == 0 {
		t.Fatal("expected the dropped frame to return to the free list")
	}
}

func TestPagedMemoryFlushWritesBackDirtyPages(t *testing.T) {
	store := newFakeStore()
	pm := NewPagedMemory(PolicyLRU, 4, 64, store, zerolog.Nop())
	ft := types.FileTag{File: "F", Tag: "BASE"}

	pm.MutateBlock(0, ft, 0, func(f []byte) { copy(f, []byte("x")) })
	if err := pm.FlushFileTag(0, ft); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.writes != 1 {
		t.Fatalf("expected exactly 1 writeback, got %d", store.writes)
	}
	// A second flush with nothing dirty should not write again.
	pm.FlushFileTag(0, ft)
	if store.writes != 1 {
		t.Fatalf("expected flush to be a no-op when nothing is dirty, writes=%d", store.writes)
	}
}

func TestPagedMemoryClockMPrefersCleanUnusedVictim(t *testing.T) {
	store := newFakeStore()
	pm := NewPagedMemory(PolicyClockM, 2, 64, store, zerolog.Nop())
	ft := types.FileTag{File: "F", Tag: "BASE"}

	pm.ReadBlock(0, ft, 0)                                           // clean, will have used=true after read
	pm.MutateBlock(0, ft, 1, func(f []byte) { copy(f, []byte("d")) }) // dirty

	// Force a third fault; CLOCK-M should clear used bits before giving up
	// a dirty page, so behavior is deterministic even though both frames
	// start with used=true.
	if err := pm.MutateBlock(0, ft, 2, func(f []byte) { copy(f, []byte("e")) }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if store.writes != 0 {
		t.Fatalf("expected the clean page to be evicted without writeback, got %d writebacks", store.writes)
	}
}
