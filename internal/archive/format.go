// Package archive reads and writes heap archives.
//
// An archive is a contiguous buffer of objects in depth-first pre-order
// together with the side tables needed to stream them into a heap: a
// reference map with one bit per buffer word, a forwarding table from object
// index to buffer offset, and per-root entry and highest indices.
package archive

import (
	"encoding/binary"

	"github.com/heapstream/internal/layout"
	apperrors "github.com/heapstream/pkg/errors"
)

const (
	// Magic identifies a heap archive.
	Magic = "HSAR"
	// Version is the only format version understood by this package.
	Version uint32 = 1
	// HeaderSize is the fixed size of the file header.
	HeaderSize = 96
)

// Type flags.
const (
	typeFlagSlowPath uint8 = 1 << iota
	typeFlagString
	typeFlagRefElems
)

// Header is the fixed archive header. All offsets are file byte offsets.
type Header struct {
	Version               uint32
	ObjectCount           uint32
	RootCount             uint32
	TypeTableOffset       uint64
	BufferOffset          uint64
	BufferLength          uint64
	OopmapOffset          uint64
	OopmapBits            uint64
	ForwardingOffset      uint64
	RootsOffset           uint64
	RootHighestOffset     uint64
	RequestedMetadataBase uint64
	Flags                 uint32
}

func (h *Header) encode(buf []byte) {
	le := binary.LittleEndian
	copy(buf[0:4], Magic)
	le.PutUint32(buf[4:], h.Version)
	le.PutUint32(buf[8:], h.ObjectCount)
	le.PutUint32(buf[12:], h.RootCount)
	le.PutUint64(buf[16:], h.TypeTableOffset)
	le.PutUint64(buf[24:], h.BufferOffset)
	le.PutUint64(buf[32:], h.BufferLength)
	le.PutUint64(buf[40:], h.OopmapOffset)
	le.PutUint64(buf[48:], h.OopmapBits)
	le.PutUint64(buf[56:], h.ForwardingOffset)
	le.PutUint64(buf[64:], h.RootsOffset)
	le.PutUint64(buf[72:], h.RootHighestOffset)
	le.PutUint64(buf[80:], h.RequestedMetadataBase)
	le.PutUint32(buf[88:], h.Flags)
	le.PutUint32(buf[92:], 0)
}

func decodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, apperrors.Newf(apperrors.CodeArchiveFormat, "file too small: %d bytes", len(data))
	}
	if string(data[0:4]) != Magic {
		return h, apperrors.Newf(apperrors.CodeArchiveFormat, "bad magic %q", data[0:4])
	}
	le := binary.LittleEndian
	h.Version = le.Uint32(data[4:])
	if h.Version != Version {
		return h, apperrors.Newf(apperrors.CodeArchiveFormat, "unsupported version %d", h.Version)
	}
	h.ObjectCount = le.Uint32(data[8:])
	h.RootCount = le.Uint32(data[12:])
	h.TypeTableOffset = le.Uint64(data[16:])
	h.BufferOffset = le.Uint64(data[24:])
	h.BufferLength = le.Uint64(data[32:])
	h.OopmapOffset = le.Uint64(data[40:])
	h.OopmapBits = le.Uint64(data[48:])
	h.ForwardingOffset = le.Uint64(data[56:])
	h.RootsOffset = le.Uint64(data[64:])
	h.RootHighestOffset = le.Uint64(data[72:])
	h.RequestedMetadataBase = le.Uint64(data[80:])
	h.Flags = le.Uint32(data[88:])
	return h, nil
}

func encodeType(buf []byte, t *layout.Type) []byte {
	le := binary.LittleEndian
	var flags uint8
	if t.SlowPath {
		flags |= typeFlagSlowPath
	}
	if t.String {
		flags |= typeFlagString
	}
	if t.RefElems {
		flags |= typeFlagRefElems
	}
	buf = le.AppendUint32(buf, t.ID)
	buf = append(buf, uint8(t.Kind), flags)
	buf = le.AppendUint32(buf, uint32(t.SizeWords))
	buf = le.AppendUint32(buf, uint32(t.ElemBytes))
	buf = le.AppendUint32(buf, uint32(int32(t.MetadataOffset)))
	buf = le.AppendUint32(buf, uint32(int32(t.ValueOffset)))
	buf = le.AppendUint16(buf, uint16(len(t.RefWords)))
	for _, w := range t.RefWords {
		buf = le.AppendUint16(buf, uint16(w))
	}
	buf = le.AppendUint16(buf, uint16(len(t.Name)))
	return append(buf, t.Name...)
}

// typeReader decodes the type table with bounds checks on every read.
type typeReader struct {
	data []byte
	pos  int
	err  error
}

func (r *typeReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = apperrors.Newf(apperrors.CodeArchiveFormat, "type table truncated at byte %d", r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *typeReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *typeReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *typeReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func decodeTypes(data []byte) (*layout.Registry, error) {
	r := &typeReader{data: data}
	count := r.u32()
	reg := layout.NewRegistry()
	for i := uint32(0); i < count && r.err == nil; i++ {
		t := &layout.Type{}
		t.ID = r.u32()
		t.Kind = layout.Kind(r.u8())
		flags := r.u8()
		t.SlowPath = flags&typeFlagSlowPath != 0
		t.String = flags&typeFlagString != 0
		t.RefElems = flags&typeFlagRefElems != 0
		t.SizeWords = int(r.u32())
		t.ElemBytes = int(r.u32())
		t.MetadataOffset = int(int32(r.u32()))
		t.ValueOffset = int(int32(r.u32()))
		if n := int(r.u16()); n > 0 {
			t.RefWords = make([]int, n)
			for j := range t.RefWords {
				t.RefWords[j] = int(r.u16())
			}
		}
		t.Name = string(r.take(int(r.u16())))
		if r.err != nil {
			break
		}
		if err := reg.Register(t); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeArchiveFormat, "invalid type table", err)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return reg, nil
}

func checkSection(name string, off, length, fileSize uint64) error {
	if off%layout.WordSize != 0 {
		return apperrors.Newf(apperrors.CodeArchiveFormat, "%s section offset %d not word aligned", name, off)
	}
	if off > fileSize || length > fileSize-off {
		return apperrors.Newf(apperrors.CodeArchiveFormat, "%s section [%d, +%d) exceeds file size %d", name, off, length, fileSize)
	}
	return nil
}

func formatErrorf(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.CodeArchiveFormat, format, args...)
}
