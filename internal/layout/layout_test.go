package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	for in, want := range map[int]int{0: 0, 1: 2, 2: 2, 3: 4, 7: 8} {
		assert.Equal(t, want, AlignUp(in), "AlignUp(%d)", in)
	}
}

func TestArraySizeWords(t *testing.T) {
	bytes := &Type{ID: 1, Kind: KindArray, ElemBytes: 1, MetadataOffset: -1}
	refs := &Type{ID: 2, Kind: KindArray, ElemBytes: 8, RefElems: true, MetadataOffset: -1}

	tests := []struct {
		name   string
		typ    *Type
		length int
		want   int
	}{
		{"empty byte array", bytes, 0, 4},
		{"one byte", bytes, 1, 4},
		{"eight bytes", bytes, 8, 4},
		{"nine bytes", bytes, 9, 6},
		{"three refs", refs, 3, 6},
		{"four refs", refs, 4, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.ArraySizeWords(tt.length)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := bytes.ArraySizeWords(-1)
	assert.Error(t, err)

	huge := &Type{ID: 3, Kind: KindArray, ElemBytes: 1 << 20, MetadataOffset: -1}
	_, err = huge.ArraySizeWords(1 << 20)
	assert.Error(t, err)
}

func TestEachRef(t *testing.T) {
	inst := &Type{ID: 1, Kind: KindInstance, SizeWords: 6, RefWords: []int{2, 4}, MetadataOffset: -1}
	var got []int
	inst.EachRef(0, func(w int) { got = append(got, w) })
	assert.Equal(t, []int{2, 4}, got)

	got = nil
	RootsArrayType.EachRef(2, func(w int) { got = append(got, w) })
	assert.Equal(t, []int{3, 4}, got)

	got = nil
	prim := &Type{ID: 2, Kind: KindArray, ElemBytes: 4, MetadataOffset: -1}
	prim.EachRef(10, func(w int) { got = append(got, w) })
	assert.Empty(t, got)
}

func TestTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		wantErr bool
	}{
		{"plain instance", Type{ID: 1, Kind: KindInstance, SizeWords: 4, RefWords: []int{2}, MetadataOffset: -1}, false},
		{"bad kind", Type{ID: 1, Kind: 9, SizeWords: 4, MetadataOffset: -1}, true},
		{"unaligned size", Type{ID: 1, Kind: KindInstance, SizeWords: 3, MetadataOffset: -1}, true},
		{"ref in header", Type{ID: 1, Kind: KindInstance, SizeWords: 4, RefWords: []int{1}, MetadataOffset: -1}, true},
		{"ref past end", Type{ID: 1, Kind: KindInstance, SizeWords: 4, RefWords: []int{4}, MetadataOffset: -1}, true},
		{"duplicate ref", Type{ID: 1, Kind: KindInstance, SizeWords: 6, RefWords: []int{2, 2}, MetadataOffset: -1}, true},
		{"metadata on ref", Type{ID: 1, Kind: KindMirror, SizeWords: 4, RefWords: []int{2}, MetadataOffset: 2}, true},
		{"mirror with metadata", Type{ID: 1, Kind: KindMirror, SizeWords: 4, RefWords: []int{2}, MetadataOffset: 3}, false},
		{"slow path unbounded", Type{ID: 1, Kind: KindInstance, SlowPath: true, RefWords: []int{9}, MetadataOffset: -1}, false},
		{"string", Type{ID: 1, Kind: KindInstance, SizeWords: 4, String: true, ValueOffset: 2, RefWords: []int{2}, MetadataOffset: -1}, false},
		{"string extra ref", Type{ID: 1, Kind: KindInstance, SizeWords: 4, String: true, ValueOffset: 2, RefWords: []int{2, 3}, MetadataOffset: -1}, true},
		{"array", Type{ID: 1, Kind: KindArray, ElemBytes: 2, MetadataOffset: -1}, false},
		{"array no elem", Type{ID: 1, Kind: KindArray, MetadataOffset: -1}, true},
		{"ref array narrow", Type{ID: 1, Kind: KindArray, ElemBytes: 4, RefElems: true, MetadataOffset: -1}, true},
		{"array with fields", Type{ID: 1, Kind: KindArray, ElemBytes: 1, RefWords: []int{3}, MetadataOffset: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.typ.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &Type{ID: 7, Name: "A", Kind: KindInstance, SizeWords: 2, MetadataOffset: -1}
	b := &Type{ID: 3, Name: "[B", Kind: KindArray, ElemBytes: 1, MetadataOffset: -1}

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.Error(t, r.Register(a), "duplicate id")
	assert.Error(t, r.Register(&Type{ID: RootsArrayTypeID, Kind: KindArray, ElemBytes: 8}))

	got, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = r.Lookup(99)
	assert.False(t, ok)

	types := r.Types()
	require.Len(t, types, 2)
	assert.Equal(t, uint32(3), types[0].ID)
	assert.Equal(t, 2, r.Len())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "instance", KindInstance.String())
	assert.Equal(t, "array", KindArray.String())
	assert.Equal(t, "mirror", KindMirror.String())
	assert.Equal(t, "kind(0)", Kind(0).String())
}
