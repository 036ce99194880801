package loader

import (
	"sync/atomic"

	"github.com/heapstream/internal/heap"
)

// ObjectTable maps object indices to materialized objects.
//
// Slots start out holding raw heap addresses. Once a collector may move
// objects the whole table is upgraded to hold handles instead; callers only
// ever see addresses through Get and Set.
type ObjectTable struct {
	slots   []atomic.Uint64
	handles *heap.HandleStorage
	handled atomic.Bool
}

func newObjectTable(objects int, handles *heap.HandleStorage) *ObjectTable {
	return &ObjectTable{
		slots:   make([]atomic.Uint64, objects+1),
		handles: handles,
	}
}

// Get returns the object for index i, or heap.Null if none is installed.
func (t *ObjectTable) Get(i int) heap.Address {
	v := t.slots[i].Load()
	if v == 0 || !t.handled.Load() {
		return heap.Address(v)
	}
	return t.handles.Resolve(heap.Handle(v))
}

// IsSet reports whether index i has an installed object.
func (t *ObjectTable) IsSet(i int) bool {
	return t.slots[i].Load() != 0
}

// Set installs the object for index i.
func (t *ObjectTable) Set(i int, a heap.Address) {
	if t.handled.Load() {
		t.slots[i].Store(uint64(t.handles.Allocate(a)))
		return
	}
	t.slots[i].Store(uint64(a))
}

// InHandleMode reports whether slots hold handles.
func (t *ObjectTable) InHandleMode() bool {
	return t.handled.Load()
}

// UpgradeToHandles converts every installed slot to a handle and switches
// the table to handle mode. No slot may be written concurrently.
func (t *ObjectTable) UpgradeToHandles() int {
	if t.handled.Load() {
		return 0
	}
	upgraded := 0
	for i := range t.slots {
		if v := t.slots[i].Load(); v != 0 {
			t.slots[i].Store(uint64(t.handles.Allocate(heap.Address(v))))
			upgraded++
		}
	}
	t.handled.Store(true)
	return upgraded
}

// ReleaseHandles frees every handle held by the table and empties it.
func (t *ObjectTable) ReleaseHandles() (int, error) {
	if !t.handled.Load() {
		return 0, nil
	}
	var hs []heap.Handle
	for i := range t.slots {
		if v := t.slots[i].Swap(0); v != 0 {
			hs = append(hs, heap.Handle(v))
		}
	}
	if err := t.handles.Release(hs); err != nil {
		return 0, err
	}
	return len(hs), nil
}

// Live returns the number of installed slots.
func (t *ObjectTable) Live() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Load() != 0 {
			n++
		}
	}
	return n
}
