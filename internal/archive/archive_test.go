package archive

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/compression"
	apperrors "github.com/heapstream/pkg/errors"
)

func buildSmall(t *testing.T) *Builder {
	t.Helper()
	g := &Graph{}
	tail := NewListNode(7, 8)
	head := NewListNode(1, 2).SetRef(2, tail)
	g.AddRoot(head)
	g.AddRoot(NewObjectArray(NewStringNode("hello", true), tail, nil))
	g.AddRoot(nil)
	g.AddRoot(NewMirror(DefaultMetadataBase, 0x80, NewBlob(6, head, 100)))

	b := NewBuilder()
	b.SetRequestedMetadataBase(DefaultMetadataBase)
	require.NoError(t, g.Build(b))
	return b
}

func TestBuilderRoundTrip(t *testing.T) {
	v, err := buildSmall(t).View()
	require.NoError(t, err)
	defer v.Release()

	// head, tail | array, string, [B | (null) | mirror, blob
	assert.Equal(t, 7, v.ObjectCount())
	assert.Equal(t, 4, v.RootCount())
	assert.Equal(t, DefaultMetadataBase, v.RequestedMetadataBase())

	assert.Equal(t, 1, v.RootObject(0))
	assert.Equal(t, 2, v.RootHighest(0))
	assert.Equal(t, 3, v.RootObject(1))
	assert.Equal(t, 5, v.RootHighest(1))
	assert.Equal(t, 0, v.RootObject(2))
	assert.Equal(t, 5, v.RootHighest(2))
	assert.Equal(t, 6, v.RootObject(3))
	assert.Equal(t, 7, v.RootHighest(3))

	assert.Equal(t, "Node", v.Type(1).Name)
	assert.Equal(t, []int{2, 0}, v.Refs(1))
	assert.Equal(t, uint64(1), v.ObjectWord(1, 4))
	assert.Equal(t, uint64(8), v.ObjectWord(2, 5))

	assert.Equal(t, layout.KindArray, v.Type(3).Kind)
	assert.Equal(t, 3, v.Length(3))
	assert.Equal(t, []int{4, 2, 0}, v.Refs(3))
	assert.Equal(t, 6, v.SizeWords(3))

	assert.True(t, v.IsInterned(4))
	assert.Equal(t, 5, v.ValueIndex(4))
	assert.Equal(t, 5, v.Length(5))
	assert.Equal(t, uint64('h')|uint64('e')<<8, v.ObjectWord(5, 3)&0xffff)
	assert.False(t, v.IsInterned(1))

	assert.Equal(t, layout.KindMirror, v.Type(6).Kind)
	assert.Equal(t, DefaultMetadataBase+0x80, v.ObjectWord(6, 3))
	assert.Equal(t, 6, v.SizeWords(7), "slow-path size comes from the preceding word")
	assert.Equal(t, []int{1}, v.Refs(7))

	for i := 1; i <= v.ObjectCount(); i++ {
		assert.Zero(t, v.Offset(i)%(layout.WordSize*layout.MinAlignmentWords), "object %d alignment", i)
	}
}

func TestGraphPreOrder(t *testing.T) {
	b, err := Synthesize(SynthOptions{Roots: 40, ListLength: 6, Strings: 5, Cycles: true, NullRoots: true, Seed: 3})
	require.NoError(t, err)
	v, err := b.View()
	require.NoError(t, err)
	defer v.Release()

	prev := 0
	for r := 0; r < v.RootCount(); r++ {
		highest := v.RootHighest(r)
		for i := prev + 1; i <= highest; i++ {
			for _, p := range v.Refs(i) {
				assert.LessOrEqual(t, p, highest, "object %d of root %d escapes its closure", i, r)
			}
			if v.IsInterned(i) {
				assert.LessOrEqual(t, v.ValueIndex(i), i+1)
			}
		}
		prev = highest
	}
	assert.Equal(t, v.ObjectCount(), prev)
}

func TestSynthesizeInternsDuplicates(t *testing.T) {
	b, err := Synthesize(SynthOptions{Roots: 16, ListLength: 4, Strings: 2, Seed: 1})
	require.NoError(t, err)
	v, err := b.View()
	require.NoError(t, err)
	defer v.Release()

	interned := 0
	for i := 1; i <= v.ObjectCount(); i++ {
		if v.IsInterned(i) {
			interned++
		}
	}
	assert.Greater(t, interned, 2, "string pool should be archived more than once")

	_, err = Synthesize(SynthOptions{})
	assert.Error(t, err)
}

func TestHistogram(t *testing.T) {
	v, err := buildSmall(t).View()
	require.NoError(t, err)
	defer v.Release()

	counts := v.Histogram()
	byName := make(map[string]int64)
	for _, c := range counts {
		byName[c.Type] = c.Objects
	}
	assert.Equal(t, int64(2), byName["Node"])
	assert.Equal(t, int64(1), byName["Blob"])
	assert.Equal(t, int64(1), byName["[B"])
	for i := 1; i < len(counts); i++ {
		assert.GreaterOrEqual(t, counts[i-1].Words, counts[i].Words)
	}
}

func TestFromBytesRejectsCorruption(t *testing.T) {
	good, err := buildSmall(t).Bytes()
	require.NoError(t, err)
	h, err := decodeHeader(good)
	require.NoError(t, err)
	le := binary.LittleEndian

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:HeaderSize-1] }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { le.PutUint32(b[4:], 9); return b }},
		{"section past end", func(b []byte) []byte { le.PutUint64(b[64:], uint64(len(b))); return b }},
		{"oopmap size mismatch", func(b []byte) []byte { le.PutUint64(b[48:], h.OopmapBits+1); return b }},
		{"unknown type", func(b []byte) []byte {
			off := h.BufferOffset + le.Uint64(b[h.ForwardingOffset+8:]) + layout.WordSize
			le.PutUint64(b[off:], 999)
			return b
		}},
		{"reference out of range", func(b []byte) []byte {
			off := h.BufferOffset + le.Uint64(b[h.ForwardingOffset+8:]) + 2*layout.WordSize
			le.PutUint64(b[off:], 1000)
			return b
		}},
		{"misaligned offset", func(b []byte) []byte {
			le.PutUint64(b[h.ForwardingOffset+16:], le.Uint64(b[h.ForwardingOffset+16:])+8)
			return b
		}},
		{"root highest decreasing", func(b []byte) []byte {
			le.PutUint32(b[h.RootHighestOffset+4:], 1)
			return b
		}},
		{"root entry out of range", func(b []byte) []byte {
			le.PutUint32(b[h.RootsOffset:], 100)
			return b
		}},
		{"intern mark on non-string", func(b []byte) []byte {
			off := h.BufferOffset + le.Uint64(b[h.ForwardingOffset+8:])
			le.PutUint64(b[off:], layout.InternMark)
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), good...))
			_, err := FromBytes(data)
			require.Error(t, err)
			assert.True(t, apperrors.IsArchiveFormatError(err), "got %v", err)
		})
	}
}

func TestBuilderRejectsBadObjects(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddType(TypeNode))
	b.AddObject(Object{Type: TypeNode, Payload: []uint64{5}})
	_, err := b.Bytes()
	assert.Error(t, err, "dangling reference")

	b = NewBuilder()
	b.AddObject(Object{Type: TypeNode})
	_, err = b.Bytes()
	assert.Error(t, err, "unregistered type")

	b = NewBuilder()
	require.NoError(t, b.AddType(TypeNode))
	b.AddObject(Object{Type: TypeNode, Intern: true})
	_, err = b.Bytes()
	assert.Error(t, err, "intern on non-string")
}

func TestOpen(t *testing.T) {
	b := buildSmall(t)
	dir := t.TempDir()

	for _, comp := range []compression.Type{compression.TypeNone, compression.TypeZstd, compression.TypeGzip} {
		t.Run(comp.String(), func(t *testing.T) {
			path := filepath.Join(dir, "heap-"+comp.String()+".hsar")
			require.NoError(t, b.WriteFile(path, comp))

			v, err := Open(path)
			require.NoError(t, err)
			assert.Equal(t, comp, v.Compression())
			assert.Equal(t, path, v.Path())
			assert.Equal(t, 7, v.ObjectCount())
			assert.Equal(t, []int{2, 0}, v.Refs(1))
			require.NoError(t, v.Release())
			assert.True(t, v.Released())
		})
	}

	_, err := Open(filepath.Join(dir, "missing.hsar"))
	assert.Error(t, err)

	tiny := filepath.Join(dir, "tiny.hsar")
	require.NoError(t, os.WriteFile(tiny, []byte("HSAR"), 0644))
	_, err = Open(tiny)
	assert.True(t, apperrors.IsArchiveFormatError(err))
}

func TestViewReferenceCounting(t *testing.T) {
	v, err := buildSmall(t).View()
	require.NoError(t, err)

	require.NoError(t, v.Retain())
	require.NoError(t, v.Release())
	assert.False(t, v.Released())

	require.NoError(t, v.Release())
	assert.True(t, v.Released())
	assert.ErrorIs(t, v.Retain(), apperrors.ErrArchiveReleased)
}
