// Package testutil provides archive and heap fixtures for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/compression"
)

// DefaultMetadataSize is the metadata space size fixtures reserve.
const DefaultMetadataSize uint64 = 1 << 30

var (
	// PlainType has no reference fields.
	PlainType = &layout.Type{ID: 101, Name: "Plain", Kind: layout.KindInstance, SizeWords: 4, MetadataOffset: -1}
	// HolderType has one reference field at word 2.
	HolderType = &layout.Type{ID: 102, Name: "Holder", Kind: layout.KindInstance, SizeWords: 4, RefWords: []int{2}, MetadataOffset: -1}
)

// TempDir creates a temporary directory removed when the test completes.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "heapstream-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// ScenarioA returns the smallest interesting archive: object 1 is a plain
// instance, object 2 holds a reference to it, and the single root enters
// at 2.
func ScenarioA(t *testing.T) *archive.View {
	t.Helper()
	b := archive.NewBuilder()
	b.SetRequestedMetadataBase(archive.DefaultMetadataBase)
	if err := b.AddType(PlainType); err != nil {
		t.Fatalf("failed to add type: %v", err)
	}
	if err := b.AddType(HolderType); err != nil {
		t.Fatalf("failed to add type: %v", err)
	}
	b.AddObject(archive.Object{Type: PlainType, Payload: []uint64{0xa1, 0xa2}})
	b.AddObject(archive.Object{Type: HolderType, Payload: []uint64{1, 0xb2}})
	b.AddRoot(2, 2)
	return View(t, b)
}

// Synth returns a view over a synthesized archive.
func Synth(t *testing.T, opts archive.SynthOptions) *archive.View {
	t.Helper()
	b, err := archive.Synthesize(opts)
	if err != nil {
		t.Fatalf("failed to synthesize archive: %v", err)
	}
	return View(t, b)
}

// View builds b into a view released when the test completes.
func View(t *testing.T, b *archive.Builder) *archive.View {
	t.Helper()
	v, err := b.View()
	if err != nil {
		t.Fatalf("failed to build archive: %v", err)
	}
	t.Cleanup(func() {
		if !v.Released() {
			_ = v.Release()
		}
	})
	return v
}

// NewHeap returns a heap whose metadata space matches synthesized
// archives. A capacity of zero is unbounded.
func NewHeap(capacityWords int64) *heap.Heap {
	return heap.New(heap.Options{
		CapacityWords: capacityWords,
		MetadataBase:  archive.DefaultMetadataBase,
		MetadataSize:  DefaultMetadataSize,
	})
}

// WriteArchive writes b to a file in a fresh temporary directory.
func WriteArchive(t *testing.T, b *archive.Builder, comp compression.Type) string {
	t.Helper()
	path := filepath.Join(TempDir(t), "heap.hsar")
	if err := b.WriteFile(path, comp); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}
	return path
}
