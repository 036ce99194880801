package loader

import (
	"fmt"

	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/layout"
	apperrors "github.com/heapstream/pkg/errors"
)

// linkFunc resolves the reference in object word w to pointee. A null
// result leaves the field null.
type linkFunc func(w, pointee int) (heap.Address, error)

// allocate allocates the heap object for index i. Every index is allocated
// at most once over the loader's lifetime.
func (l *Loader) allocate(i int, careful bool) (*heap.Object, error) {
	if l.allocated.TestAndSet(i) {
		return nil, apperrors.Newf(apperrors.CodeProtocol, "object %d allocated twice", i)
	}
	t := l.view.Type(i)
	size := l.view.SizeWords(i)

	var (
		addr heap.Address
		err  error
	)
	switch t.Kind {
	case layout.KindInstance:
		addr, err = l.heap.AllocateInstance(t, size)
	case layout.KindArray:
		addr, err = l.heap.AllocateArray(t, size, l.view.Length(i), careful)
	case layout.KindMirror:
		addr, err = l.heap.AllocateMirror(t, size)
	default:
		err = apperrors.Newf(apperrors.CodeArchiveFormat, "unknown kind %d", t.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("object %d (%s, %d words): %w", i, t.Name, size, err)
	}
	l.stats.allocatedWords.Add(int64(size))

	obj := l.heap.Object(addr)
	if obj == nil {
		return nil, apperrors.Newf(apperrors.CodeProtocol, "object %d: allocator returned unknown address %s", i, addr)
	}
	return obj, nil
}

// copyObject copies archived object i into dst and links its references.
func (l *Loader) copyObject(i int, dst *heap.Object, careful bool, link linkFunc) error {
	if careful {
		return l.copyCareful(i, dst, link)
	}
	return l.copyFast(i, dst, link)
}

// copyFast bulk copies the payload, raw indices included, then overwrites
// every reference word with its linked value. Nothing may observe dst
// between the two loops, so they run back to back with no calls out.
func (l *Loader) copyFast(i int, dst *heap.Object, link linkFunc) error {
	t := l.view.Type(i)
	off := l.view.Offset(i)
	base := int(off / layout.WordSize)
	size := l.view.SizeWords(i)
	from := t.HeaderWords()
	words := dst.Words()

	l.view.CopyWords(words[from:size], off+int64(from)*layout.WordSize)

	oopmap := l.view.Oopmap()
	for w := oopmap.NextSet(base + from); w >= 0 && w < base+size; w = oopmap.NextSet(w + 1) {
		field := w - base
		a, err := link(field, int(words[field]))
		if err != nil {
			words[field] = 0
			return err
		}
		words[field] = uint64(a)
	}

	if mo := t.MetadataOffset; mo >= 0 {
		v, err := l.relocateMetadata(i, words[mo])
		if err != nil {
			return err
		}
		words[mo] = v
	}
	return nil
}

// copyCareful never writes a raw index into a reference word. Runs of plain
// data are bulk copied; reference words go from null to their final value.
func (l *Loader) copyCareful(i int, dst *heap.Object, link linkFunc) error {
	t := l.view.Type(i)
	off := l.view.Offset(i)
	base := int(off / layout.WordSize)
	size := l.view.SizeWords(i)
	words := dst.Words()
	oopmap := l.view.Oopmap()

	for w := t.HeaderWords(); w < size; {
		next := size
		if r := oopmap.NextSet(base + w); r >= 0 && r-base < next {
			next = r - base
		}
		if mo := t.MetadataOffset; mo >= w && mo < next {
			next = mo
		}
		if next > w {
			l.view.CopyWords(words[w:next], off+int64(w)*layout.WordSize)
		}
		if next == size {
			break
		}

		raw := l.view.Word(off + int64(next)*layout.WordSize)
		if next == t.MetadataOffset {
			v, err := l.relocateMetadata(i, raw)
			if err != nil {
				return err
			}
			dst.Store(next, v)
		} else {
			a, err := link(next, int(raw))
			if err != nil {
				return err
			}
			if !a.IsNull() {
				dst.StoreRef(next, a)
			}
		}
		w = next + 1
	}
	return nil
}

// relocateMetadata moves a dump-time metadata pointer to the runtime
// metadata space.
func (l *Loader) relocateMetadata(i int, raw uint64) (uint64, error) {
	if raw == 0 {
		return 0, nil
	}
	v := raw + l.metadataDelta
	if !l.heap.Metadata().Contains(v) {
		return 0, apperrors.Newf(apperrors.CodeArchiveFormat,
			"object %d: metadata pointer %#x relocates to %#x outside metadata space", i, raw, v)
	}
	return v, nil
}
