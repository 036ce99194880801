package archive

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/collections"
	"github.com/heapstream/pkg/compression"
	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/model"
)

// View is a validated, read-only view over an archive.
//
// A View is reference counted. Open and FromBytes return a View holding one
// reference; the backing memory is unmapped when the last reference is
// released. All accessors assume the caller holds a reference.
type View struct {
	path        string
	compression compression.Type
	fileSize    int64

	header     Header
	registry   *layout.Registry
	buffer     []byte
	oopmap     *collections.Bitset
	forwarding []byte
	roots      []byte
	highest    []byte

	// Per-object cache filled during validation.
	types []*layout.Type
	sizes []int32

	refs      atomic.Int32
	closeOnce sync.Once
	unmap     func() error
}

// FromBytes parses and validates an uncompressed archive held in memory.
func FromBytes(data []byte) (*View, error) {
	return newView(data, "", compression.TypeNone, nil)
}

func newView(data []byte, path string, comp compression.Type, unmap func() error) (*View, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	v := &View{
		path:        path,
		compression: comp,
		fileSize:    int64(len(data)),
		header:      h,
		unmap:       unmap,
	}
	if err := v.parse(data); err != nil {
		return nil, err
	}
	v.refs.Store(1)
	return v, nil
}

func (v *View) parse(data []byte) error {
	h := &v.header
	size := uint64(len(data))
	n := uint64(h.ObjectCount)
	r := uint64(h.RootCount)

	if h.TypeTableOffset < HeaderSize || h.TypeTableOffset >= size {
		return formatErrorf("type table offset %d out of range", h.TypeTableOffset)
	}
	if h.BufferLength%layout.WordSize != 0 {
		return formatErrorf("buffer length %d is not a whole number of words", h.BufferLength)
	}
	if h.OopmapBits != h.BufferLength/layout.WordSize {
		return formatErrorf("oopmap covers %d words, buffer has %d", h.OopmapBits, h.BufferLength/layout.WordSize)
	}
	oopmapBytes := (h.OopmapBits + 63) / 64 * 8
	sections := []struct {
		name        string
		off, length uint64
	}{
		{"buffer", h.BufferOffset, h.BufferLength},
		{"oopmap", h.OopmapOffset, oopmapBytes},
		{"forwarding", h.ForwardingOffset, (n + 1) * 8},
		{"roots", h.RootsOffset, r * 4},
		{"root-highest", h.RootHighestOffset, r * 4},
	}
	for _, s := range sections {
		if err := checkSection(s.name, s.off, s.length, size); err != nil {
			return err
		}
	}

	reg, err := decodeTypes(data[h.TypeTableOffset:])
	if err != nil {
		return err
	}
	v.registry = reg
	v.buffer = data[h.BufferOffset : h.BufferOffset+h.BufferLength]
	v.forwarding = data[h.ForwardingOffset : h.ForwardingOffset+(n+1)*8]
	v.roots = data[h.RootsOffset : h.RootsOffset+r*4]
	v.highest = data[h.RootHighestOffset : h.RootHighestOffset+r*4]

	words := make([]uint64, oopmapBytes/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[h.OopmapOffset+uint64(i)*8:])
	}
	v.oopmap = collections.NewBitsetFromWords(words, int(h.OopmapBits))

	if err := v.validateObjects(); err != nil {
		return err
	}
	return v.validateRoots()
}

func (v *View) validateObjects() error {
	n := v.ObjectCount()
	bufLen := int64(len(v.buffer))
	v.types = make([]*layout.Type, n+1)
	v.sizes = make([]int32, n+1)

	if off := binary.LittleEndian.Uint64(v.forwarding); off != 0 {
		return formatErrorf("forwarding slot 0 must be 0, got %d", off)
	}

	prevEnd := int64(0)
	for i := 1; i <= n; i++ {
		off := v.Offset(i)
		if off <= 0 || off%(layout.WordSize*layout.MinAlignmentWords) != 0 || off < prevEnd {
			return formatErrorf("object %d: bad buffer offset %d", i, off)
		}
		if off+2*layout.WordSize > bufLen {
			return formatErrorf("object %d: header at %d past end of buffer", i, off)
		}
		t, ok := v.registry.Lookup(uint32(v.Word(off + layout.TypeWord*layout.WordSize)))
		if !ok {
			return formatErrorf("object %d: unknown type id %d", i, v.Word(off+layout.TypeWord*layout.WordSize))
		}

		size, err := v.computeSize(i, t, off)
		if err != nil {
			return err
		}
		end := off + int64(size)*layout.WordSize
		if end > bufLen {
			return formatErrorf("object %d: %d words at %d exceed buffer", i, size, off)
		}
		v.types[i] = t
		v.sizes[i] = int32(size)
		prevEnd = end

		for w := v.oopmap.NextSet(int(off / layout.WordSize)); w >= 0 && int64(w) < end/layout.WordSize; w = v.oopmap.NextSet(w + 1) {
			if ref := v.Word(int64(w) * layout.WordSize); ref > uint64(n) {
				return formatErrorf("object %d: reference to index %d out of range", i, ref)
			}
		}
	}

	// Interned strings need a primitive value array to key the intern table.
	for i := 1; i <= n; i++ {
		if !v.IsInterned(i) {
			continue
		}
		t := v.types[i]
		if !t.String {
			return formatErrorf("object %d: intern mark on non-string type %s", i, t.Name)
		}
		val := v.ValueIndex(i)
		if val == 0 {
			return formatErrorf("object %d: interned string without value array", i)
		}
		if vt := v.types[val]; vt.Kind != layout.KindArray || vt.RefElems {
			return formatErrorf("object %d: string value %d is not a primitive array", i, val)
		}
	}
	return nil
}

func (v *View) computeSize(i int, t *layout.Type, off int64) (int, error) {
	switch t.Kind {
	case layout.KindArray:
		if off+int64(t.HeaderWords())*layout.WordSize > int64(len(v.buffer)) {
			return 0, formatErrorf("object %d: array header past end of buffer", i)
		}
		length := v.Word(off + layout.LengthWord*layout.WordSize)
		if length > layout.MaxObjectWords {
			return 0, formatErrorf("object %d: array length %d not representable", i, length)
		}
		size, err := t.ArraySizeWords(int(length))
		if err != nil {
			return 0, apperrors.Wrap(apperrors.CodeArchiveFormat, "object size", err)
		}
		return size, nil
	default:
		if !t.SlowPath {
			return t.SizeWords, nil
		}
		if off < layout.WordSize {
			return 0, formatErrorf("object %d: slow-path size word before buffer start", i)
		}
		size := v.Word(off - layout.WordSize)
		if size < uint64(t.HeaderWords()) || size > layout.MaxObjectWords || size%layout.MinAlignmentWords != 0 {
			return 0, formatErrorf("object %d: slow-path size %d not representable", i, size)
		}
		for _, w := range t.RefWords {
			if uint64(w) >= size {
				return 0, formatErrorf("object %d: reference word %d outside %d-word object", i, w, size)
			}
		}
		if t.MetadataOffset >= 0 && uint64(t.MetadataOffset) >= size {
			return 0, formatErrorf("object %d: metadata word outside object", i)
		}
		return int(size), nil
	}
}

func (v *View) validateRoots() error {
	n := v.ObjectCount()
	prev := 0
	for r := 0; r < v.RootCount(); r++ {
		entry, highest := v.RootObject(r), v.RootHighest(r)
		if entry > n || highest > n {
			return formatErrorf("root %d: index out of range (entry %d, highest %d, objects %d)", r, entry, highest, n)
		}
		if highest < prev {
			return formatErrorf("root %d: highest index %d below previous %d", r, highest, prev)
		}
		if entry > highest {
			return formatErrorf("root %d: entry %d above highest %d", r, entry, highest)
		}
		prev = highest
	}
	return nil
}

// Retain takes an extra reference. It fails once the view has been released.
func (v *View) Retain() error {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return apperrors.ErrArchiveReleased
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference, unmapping the archive when none remain.
func (v *View) Release() error {
	if v.refs.Add(-1) > 0 {
		return nil
	}
	var err error
	v.closeOnce.Do(func() {
		if v.unmap != nil {
			err = v.unmap()
		}
		v.buffer = nil
	})
	return err
}

// Released reports whether every reference has been dropped.
func (v *View) Released() bool {
	return v.refs.Load() <= 0
}

// Header returns the decoded file header.
func (v *View) Header() Header { return v.header }

// Path returns the file the view was opened from, if any.
func (v *View) Path() string { return v.path }

// Compression returns the on-disk compression of the archive.
func (v *View) Compression() compression.Type { return v.compression }

// FileSize returns the size of the uncompressed archive image.
func (v *View) FileSize() int64 { return v.fileSize }

// ObjectCount returns the number of archived objects.
func (v *View) ObjectCount() int { return int(v.header.ObjectCount) }

// RootCount returns the number of roots.
func (v *View) RootCount() int { return int(v.header.RootCount) }

// BufferBytes returns the size of the object buffer.
func (v *View) BufferBytes() int64 { return int64(v.header.BufferLength) }

// RequestedMetadataBase is the metadata address the dump assumed.
func (v *View) RequestedMetadataBase() uint64 { return v.header.RequestedMetadataBase }

// Types returns all archived types ordered by id.
func (v *View) Types() []*layout.Type { return v.registry.Types() }

// Oopmap returns the reference map, one bit per buffer word.
func (v *View) Oopmap() *collections.Bitset { return v.oopmap }

// Offset returns the buffer byte offset of object i.
func (v *View) Offset(i int) int64 {
	return int64(binary.LittleEndian.Uint64(v.forwarding[i*8:]))
}

// Word returns the buffer word at byte offset off.
func (v *View) Word(off int64) uint64 {
	return binary.LittleEndian.Uint64(v.buffer[off:])
}

// CopyWords fills dst with consecutive buffer words starting at off.
func (v *View) CopyWords(dst []uint64, off int64) {
	src := v.buffer[off : off+int64(len(dst))*layout.WordSize]
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint64(src[i*layout.WordSize:])
	}
}

// Type returns the type of object i.
func (v *View) Type(i int) *layout.Type { return v.types[i] }

// SizeWords returns the size of object i in heap words.
func (v *View) SizeWords(i int) int { return int(v.sizes[i]) }

// Length returns the element count of array object i.
func (v *View) Length(i int) int {
	if !v.types[i].IsArray() {
		return 0
	}
	return int(v.Word(v.Offset(i) + layout.LengthWord*layout.WordSize))
}

// ObjectWord returns word w of object i.
func (v *View) ObjectWord(i, w int) uint64 {
	return v.Word(v.Offset(i) + int64(w)*layout.WordSize)
}

// IsInterned reports whether object i carries the intern mark.
func (v *View) IsInterned(i int) bool {
	return v.ObjectWord(i, layout.MarkWord)&layout.InternMark != 0
}

// ValueIndex returns the value array index of string object i.
func (v *View) ValueIndex(i int) int {
	return int(v.ObjectWord(i, v.types[i].ValueOffset))
}

// RootObject returns the entry object index of root r, 0 for a null root.
func (v *View) RootObject(r int) int {
	return int(binary.LittleEndian.Uint32(v.roots[r*4:]))
}

// RootHighest returns the highest object index in root r's closure.
func (v *View) RootHighest(r int) int {
	return int(binary.LittleEndian.Uint32(v.highest[r*4:]))
}

// Refs returns the object indices referenced by object i in field order.
// Null references are reported as 0.
func (v *View) Refs(i int) []int {
	var refs []int
	v.EachRef(i, func(word, pointee int) bool {
		refs = append(refs, pointee)
		return true
	})
	return refs
}

// EachRef calls fn with the word position and pointee index of every
// reference field of object i.
func (v *View) EachRef(i int, fn func(word, pointee int) bool) {
	base := int(v.Offset(i) / layout.WordSize)
	end := base + v.SizeWords(i)
	for w := v.oopmap.NextSet(base); w >= 0 && w < end; w = v.oopmap.NextSet(w + 1) {
		if !fn(w-base, int(v.Word(int64(w)*layout.WordSize))) {
			return
		}
	}
}

// Histogram counts objects and words per type, largest first.
func (v *View) Histogram() []model.TypeCount {
	byType := make(map[*layout.Type]*model.TypeCount)
	for i := 1; i <= v.ObjectCount(); i++ {
		t := v.types[i]
		c, ok := byType[t]
		if !ok {
			c = &model.TypeCount{Type: t.Name, Kind: t.Kind.String()}
			byType[t] = c
		}
		c.Objects++
		c.Words += int64(v.sizes[i])
	}
	return model.SortTypeCounts(byType)
}

// Info describes object i.
func (v *View) Info(i int) model.ObjectInfo {
	t := v.types[i]
	return model.ObjectInfo{
		Index:     i,
		Offset:    v.Offset(i),
		Type:      t.Name,
		Kind:      t.Kind.String(),
		SizeWords: v.SizeWords(i),
		Length:    v.Length(i),
		Refs:      len(v.Refs(i)),
		Interned:  v.IsInterned(i),
	}
}

// RootMembership maps entry object indices to the roots starting there.
func (v *View) RootMembership() map[int][]int {
	m := make(map[int][]int)
	for r := 0; r < v.RootCount(); r++ {
		if e := v.RootObject(r); e != 0 {
			m[e] = append(m[e], r)
		}
	}
	return m
}
