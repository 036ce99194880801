package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveLike() []byte {
	data := []byte("HSAR")
	return append(data, bytes.Repeat([]byte{0, 1, 2, 3, 4, 5, 6, 7}, 512)...)
}

func TestCompressors_RoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeGzip, TypeZstd, TypeNone} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := New(typ, LevelDefault)
			require.NoError(t, err)
			defer Close(c)

			original := archiveLike()
			compressed, err := c.Compress(original)
			require.NoError(t, err)

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
			assert.Equal(t, typ, c.Type())
			assert.Equal(t, typ.String(), c.Name())
		})
	}
}

func TestDetectType(t *testing.T) {
	zc, err := NewZstdCompressor(LevelFastest)
	require.NoError(t, err)
	defer zc.Close()
	zdata, _ := zc.Compress(archiveLike())
	gdata, _ := NewGzipCompressor(LevelFastest).Compress(archiveLike())

	assert.Equal(t, TypeZstd, DetectType(zdata))
	assert.Equal(t, TypeGzip, DetectType(gdata))
	assert.Equal(t, TypeNone, DetectType(archiveLike()))
	assert.Equal(t, TypeNone, DetectType([]byte{0x1f}))
}

func TestAutoDecompress(t *testing.T) {
	original := archiveLike()

	zc, err := NewZstdCompressor(LevelBest)
	require.NoError(t, err)
	defer zc.Close()
	zdata, err := zc.Compress(original)
	require.NoError(t, err)

	out, typ, err := AutoDecompress(zdata)
	require.NoError(t, err)
	assert.Equal(t, TypeZstd, typ)
	assert.Equal(t, original, out)

	out, typ, err = AutoDecompress(original)
	require.NoError(t, err)
	assert.Equal(t, TypeNone, typ)
	assert.Equal(t, original, out)
}

func TestAutoDecompress_Corrupt(t *testing.T) {
	_, typ, err := AutoDecompress([]byte{0x1f, 0x8b, 0x00, 0x01, 0x02})
	assert.Equal(t, TypeGzip, typ)
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"zstd", TypeZstd, false},
		{"gzip", TypeGzip, false},
		{"none", TypeNone, false},
		{"", TypeNone, false},
		{"lz4", TypeNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(Type(42), LevelDefault)
	assert.Error(t, err)
}
