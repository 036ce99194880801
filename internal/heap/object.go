package heap

import (
	"sync/atomic"

	"github.com/heapstream/internal/layout"
)

// Object is a heap object. Word 0 is the mark word, word 1 the type word and,
// for arrays, word 2 the length.
//
// Reference words must be accessed through Load and Store once a collector
// may be scanning the object.
type Object struct {
	addr   Address
	typ    *layout.Type
	length int
	words  []uint64
}

// Address returns the object's address.
func (o *Object) Address() Address { return o.addr }

// Type returns the object's type.
func (o *Object) Type() *layout.Type { return o.typ }

// Length returns the element count of arrays.
func (o *Object) Length() int { return o.length }

// SizeWords returns the object size including the header.
func (o *Object) SizeWords() int { return len(o.words) }

// Words exposes the backing words for bulk initialization.
func (o *Object) Words() []uint64 { return o.words }

// Load atomically reads word w.
func (o *Object) Load(w int) uint64 {
	return atomic.LoadUint64(&o.words[w])
}

// Store atomically writes word w.
func (o *Object) Store(w int, v uint64) {
	atomic.StoreUint64(&o.words[w], v)
}

// CompareAndSwap atomically replaces word w if it holds old.
func (o *Object) CompareAndSwap(w int, old, v uint64) bool {
	return atomic.CompareAndSwapUint64(&o.words[w], old, v)
}

// LoadRef atomically reads reference word w.
func (o *Object) LoadRef(w int) Address {
	return Address(o.Load(w))
}

// StoreRef atomically writes reference word w.
func (o *Object) StoreRef(w int, a Address) {
	o.Store(w, uint64(a))
}

// IsInterned reports whether the object is a canonical interned string.
func (o *Object) IsInterned() bool {
	return o.Load(layout.MarkWord)&layout.InternMark != 0
}

// Bytes returns the payload of a primitive array as bytes.
func (o *Object) Bytes() []byte {
	if !o.typ.IsArray() || o.typ.RefElems {
		return nil
	}
	n := o.length * o.typ.ElemBytes
	out := make([]byte, n)
	base := o.typ.HeaderWords()
	for w := 0; w*layout.WordSize < n; w++ {
		v := o.Load(base + w)
		for b := 0; b < layout.WordSize && w*layout.WordSize+b < n; b++ {
			out[w*layout.WordSize+b] = byte(v >> (8 * b))
		}
	}
	return out
}
