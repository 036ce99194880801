// Package heap is the managed heap that archived objects are materialized
// into. It stands in for a real collector: objects are word slices behind
// tagged addresses, so a reference field that still holds a raw archive
// index can never be mistaken for a live object.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/heapstream/internal/layout"
	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/model"
)

// Address is a heap reference. The zero Address is null.
type Address uint64

// Null is the null reference.
const Null Address = 0

const (
	addressTag   uint64 = 1 << 48
	addressShift        = 4
)

// UnzeroedWord fills array elements allocated without zeroing.
const UnzeroedWord uint64 = 0xdeadbeefdeadbeef

// IsNull reports whether a is the null reference.
func (a Address) IsNull() bool { return a == Null }

// String formats a as hex.
func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

func addressOf(slot int) Address {
	return Address(addressTag | uint64(slot+1)<<addressShift)
}

func slotOf(a Address) (int, bool) {
	v := uint64(a)
	if v&^(addressTag-1) != addressTag || v&(1<<addressShift-1) != 0 {
		return 0, false
	}
	id := (v &^ addressTag) >> addressShift
	if id == 0 {
		return 0, false
	}
	return int(id - 1), true
}

// Options configures a Heap.
type Options struct {
	CapacityWords int64
	MetadataBase  uint64
	MetadataSize  uint64
}

// Heap is a non-moving object heap with capacity accounting.
type Heap struct {
	mu      sync.RWMutex
	objects []*Object

	capacity    int64
	used        atomic.Int64
	allocations atomic.Int64

	metadata MetadataSpace
	handles  *HandleStorage
	interner *interner

	gcEnabled atomic.Bool
}

// New creates an empty heap.
func New(opts Options) *Heap {
	return &Heap{
		capacity: opts.CapacityWords,
		metadata: MetadataSpace{Base: opts.MetadataBase, Size: opts.MetadataSize},
		handles:  NewHandleStorage(),
		interner: newInterner(),
	}
}

// AllocateInstance allocates a plain instance of size words.
func (h *Heap) AllocateInstance(t *layout.Type, size int) (Address, error) {
	if t.Kind != layout.KindInstance {
		return Null, apperrors.Newf(apperrors.CodeInvalidInput, "type %s is not an instance type", t.Name)
	}
	return h.allocate(t, size, 0, true)
}

// AllocateMirror allocates a type mirror of size words.
func (h *Heap) AllocateMirror(t *layout.Type, size int) (Address, error) {
	if t.Kind != layout.KindMirror {
		return Null, apperrors.Newf(apperrors.CodeInvalidInput, "type %s is not a mirror type", t.Name)
	}
	return h.allocate(t, size, 0, true)
}

// AllocateArray allocates an array of length elements occupying size words.
// Without zeroFill the elements are left holding UnzeroedWord and the
// caller must overwrite every one of them.
func (h *Heap) AllocateArray(t *layout.Type, size, length int, zeroFill bool) (Address, error) {
	if t.Kind != layout.KindArray {
		return Null, apperrors.Newf(apperrors.CodeInvalidInput, "type %s is not an array type", t.Name)
	}
	return h.allocate(t, size, length, zeroFill)
}

func (h *Heap) allocate(t *layout.Type, size, length int, zeroFill bool) (Address, error) {
	if size < t.HeaderWords() {
		return Null, apperrors.Newf(apperrors.CodeInvalidInput, "size %d below header of %s", size, t.Name)
	}
	if used := h.used.Add(int64(size)); h.capacity > 0 && used > h.capacity {
		h.used.Add(-int64(size))
		return Null, apperrors.Newf(apperrors.CodeAllocation,
			"heap exhausted allocating %d words of %s (capacity %d words)", size, t.Name, h.capacity)
	}

	obj := &Object{typ: t, length: length, words: make([]uint64, size)}
	obj.words[layout.TypeWord] = uint64(t.ID)
	if t.IsArray() {
		obj.words[layout.LengthWord] = uint64(length)
	}
	if !zeroFill {
		for w := t.HeaderWords(); w < size; w++ {
			obj.words[w] = UnzeroedWord
		}
	}

	h.mu.Lock()
	obj.addr = addressOf(len(h.objects))
	h.objects = append(h.objects, obj)
	h.mu.Unlock()

	h.allocations.Add(1)
	return obj.addr, nil
}

// Object resolves a to its object, or nil if a is not a heap address.
func (h *Heap) Object(a Address) *Object {
	slot, ok := slotOf(a)
	if !ok {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if slot >= len(h.objects) {
		return nil
	}
	return h.objects[slot]
}

// Contains reports whether a refers to a live object.
func (h *Heap) Contains(a Address) bool {
	return h.Object(a) != nil
}

// Intern returns the canonical string equal to s.
func (h *Heap) Intern(s Address) (Address, error) {
	return h.interner.intern(h, s)
}

// InternedCount returns the number of distinct interned strings.
func (h *Heap) InternedCount() int {
	return h.interner.len()
}

// Handles returns the heap's handle storage.
func (h *Heap) Handles() *HandleStorage { return h.handles }

// Metadata returns the metadata space.
func (h *Heap) Metadata() MetadataSpace { return h.metadata }

// SetGCEnabled flips the collector switch.
func (h *Heap) SetGCEnabled(enabled bool) { h.gcEnabled.Store(enabled) }

// GCEnabled reports whether the collector may run.
func (h *Heap) GCEnabled() bool { return h.gcEnabled.Load() }

// UsedWords returns the number of allocated words.
func (h *Heap) UsedWords() int64 { return h.used.Load() }

// Allocations returns the number of successful allocations.
func (h *Heap) Allocations() int64 { return h.allocations.Load() }

// CapacityWords returns the configured capacity, 0 meaning unbounded.
func (h *Heap) CapacityWords() int64 { return h.capacity }

func (h *Heap) snapshot() []*Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.objects[:len(h.objects):len(h.objects)]
}

// Histogram counts live objects and words per type, largest first.
func (h *Heap) Histogram() []model.TypeCount {
	byType := make(map[*layout.Type]*model.TypeCount)
	for _, obj := range h.snapshot() {
		c, ok := byType[obj.typ]
		if !ok {
			c = &model.TypeCount{Type: obj.typ.Name, Kind: obj.typ.Kind.String()}
			byType[obj.typ] = c
		}
		c.Objects++
		c.Words += int64(len(obj.words))
	}
	return model.SortTypeCounts(byType)
}

// MetadataSpace is the address range metadata pointers must fall into.
type MetadataSpace struct {
	Base uint64
	Size uint64
}

// Contains reports whether p points into the space.
func (m MetadataSpace) Contains(p uint64) bool {
	return p >= m.Base && p-m.Base < m.Size
}
