package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/compression"
)

// Object is one archived object as handed to the Builder.
type Object struct {
	Type *layout.Type
	// Length is the element count of arrays.
	Length int
	// SizeWords is the total size of slow-path instances.
	SizeWords int
	// Payload holds the words after the header. Reference words hold object
	// indices, 0 for null. Missing trailing words are zero.
	Payload []uint64
	// Intern marks a string for interning on load.
	Intern bool
}

type rootEntry struct {
	entry, highest int
}

// Builder assembles an archive. Callers are responsible for appending objects
// in depth-first pre-order; Graph does that automatically.
type Builder struct {
	types        *layout.Registry
	objects      []Object
	roots        []rootEntry
	metadataBase uint64
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{types: layout.NewRegistry()}
}

// SetRequestedMetadataBase records the metadata base assumed by the dump.
func (b *Builder) SetRequestedMetadataBase(base uint64) {
	b.metadataBase = base
}

// AddType registers a type descriptor.
func (b *Builder) AddType(t *layout.Type) error {
	return b.types.Register(t)
}

// HasType reports whether a type with t's id is registered.
func (b *Builder) HasType(t *layout.Type) bool {
	_, ok := b.types.Lookup(t.ID)
	return ok
}

// AddObject appends an object and returns its 1-based index.
func (b *Builder) AddObject(o Object) int {
	b.objects = append(b.objects, o)
	return len(b.objects)
}

// AddRoot appends a root. entry 0 denotes a null root.
func (b *Builder) AddRoot(entry, highest int) {
	b.roots = append(b.roots, rootEntry{entry: entry, highest: highest})
}

// ObjectCount returns the number of objects appended so far.
func (b *Builder) ObjectCount() int {
	return len(b.objects)
}

func (b *Builder) objectSize(i int, o *Object) (int, error) {
	t := o.Type
	if _, ok := b.types.Lookup(t.ID); !ok {
		return 0, fmt.Errorf("object %d: type %d not registered", i, t.ID)
	}
	var size int
	switch {
	case t.Kind == layout.KindArray:
		s, err := t.ArraySizeWords(o.Length)
		if err != nil {
			return 0, fmt.Errorf("object %d: %w", i, err)
		}
		size = s
	case t.SlowPath:
		size = o.SizeWords
		if size < t.HeaderWords() || size%layout.MinAlignmentWords != 0 {
			return 0, fmt.Errorf("object %d: bad slow-path size %d", i, size)
		}
	default:
		size = t.SizeWords
	}
	if len(o.Payload) > size-t.HeaderWords() {
		return 0, fmt.Errorf("object %d: payload of %d words exceeds size %d", i, len(o.Payload), size)
	}
	if o.Intern && !t.String {
		return 0, fmt.Errorf("object %d: only strings can be interned", i)
	}
	return size, nil
}

// Bytes serializes the archive.
func (b *Builder) Bytes() ([]byte, error) {
	n := len(b.objects)
	le := binary.LittleEndian

	// Two leading pad words keep every object offset non-zero and leave room
	// for a slow-path size word.
	buf := make([]uint64, 2, 2+n*4)
	var refBits []int
	offsets := make([]uint64, n+1)

	for idx := 1; idx <= n; idx++ {
		o := &b.objects[idx-1]
		size, err := b.objectSize(idx, o)
		if err != nil {
			return nil, err
		}
		if o.Type.SlowPath {
			if (len(buf)+1)%layout.MinAlignmentWords != 0 {
				buf = append(buf, 0)
			}
			buf = append(buf, uint64(size))
		} else {
			for len(buf)%layout.MinAlignmentWords != 0 {
				buf = append(buf, 0)
			}
		}

		start := len(buf)
		offsets[idx] = uint64(start * layout.WordSize)
		words := make([]uint64, size)
		if o.Intern {
			words[layout.MarkWord] = layout.InternMark
		}
		words[layout.TypeWord] = uint64(o.Type.ID)
		if o.Type.IsArray() {
			words[layout.LengthWord] = uint64(o.Length)
		}
		copy(words[o.Type.HeaderWords():], o.Payload)

		var refErr error
		o.Type.EachRef(o.Length, func(w int) {
			if words[w] > uint64(n) && refErr == nil {
				refErr = fmt.Errorf("object %d: word %d references missing object %d", idx, w, words[w])
			}
			refBits = append(refBits, start+w)
		})
		if refErr != nil {
			return nil, refErr
		}
		buf = append(buf, words...)
	}

	for r, root := range b.roots {
		if root.entry > n || root.highest > n {
			return nil, fmt.Errorf("root %d: index out of range", r)
		}
	}

	typeTable := le.AppendUint32(nil, uint32(b.types.Len()))
	for _, t := range b.types.Types() {
		typeTable = encodeType(typeTable, t)
	}

	align := func(x uint64) uint64 { return (x + 7) &^ 7 }
	var h Header
	h.Version = Version
	h.ObjectCount = uint32(n)
	h.RootCount = uint32(len(b.roots))
	h.RequestedMetadataBase = b.metadataBase
	h.TypeTableOffset = HeaderSize
	h.BufferOffset = align(h.TypeTableOffset + uint64(len(typeTable)))
	h.BufferLength = uint64(len(buf) * layout.WordSize)
	h.OopmapOffset = h.BufferOffset + h.BufferLength
	h.OopmapBits = uint64(len(buf))
	oopmapWords := (len(buf) + 63) / 64
	h.ForwardingOffset = h.OopmapOffset + uint64(oopmapWords*8)
	h.RootsOffset = h.ForwardingOffset + uint64((n+1)*8)
	h.RootHighestOffset = align(h.RootsOffset + uint64(len(b.roots)*4))
	total := align(h.RootHighestOffset + uint64(len(b.roots)*4))

	out := make([]byte, total)
	h.encode(out)
	copy(out[h.TypeTableOffset:], typeTable)
	for i, w := range buf {
		le.PutUint64(out[h.BufferOffset+uint64(i*8):], w)
	}
	oopmap := make([]uint64, oopmapWords)
	for _, bit := range refBits {
		oopmap[bit/64] |= 1 << (bit % 64)
	}
	for i, w := range oopmap {
		le.PutUint64(out[h.OopmapOffset+uint64(i*8):], w)
	}
	for i, off := range offsets {
		le.PutUint64(out[h.ForwardingOffset+uint64(i*8):], off)
	}
	for r, root := range b.roots {
		le.PutUint32(out[h.RootsOffset+uint64(r*4):], uint32(root.entry))
		le.PutUint32(out[h.RootHighestOffset+uint64(r*4):], uint32(root.highest))
	}
	return out, nil
}

// View serializes the archive and opens it in memory.
func (b *Builder) View() (*View, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return FromBytes(data)
}

// WriteFile serializes the archive to path, compressing it with comp.
func (b *Builder) WriteFile(path string, comp compression.Type) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	c, err := compression.New(comp, compression.LevelDefault)
	if err != nil {
		return err
	}
	defer compression.Close(c)

	out, err := c.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}
