package storage

import (
	"path/filepath"
	"testing"
)

func TestBitmapFirstFitAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitmap")
	b, err := CreateBitmap(path, 16)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !b.Get(0) {
		t.Fatal("block 0 must start used")
	}
	got, err := b.FindFreeBlocks(3)
	if err != nil {
		t.Fatalf("find free: %v", err)
	}
	want := []uint32{1, 2, 3}
	for i, blk := range got {
		if blk != want[i] {
			t.Fatalf("expected first-fit order %v, got %v", want, got)
		}
	}

	loaded, err := LoadBitmap(path, 16)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, blk := range append(want, 0) {
		if !loaded.Get(blk) {
			t.Fatalf("expected block %d to persist as used", blk)
		}
	}
}

func TestBitmapExhaustionRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitmap")
	b, _ := CreateBitmap(path, 4) // block 0 used, 1-3 free
	if _, err := b.FindFreeBlocks(10); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if b.CountUsed() != 1 {
		t.Fatalf("failed allocation must not partially reserve blocks, used=%d", b.CountUsed())
	}
}
