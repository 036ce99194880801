package archive

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/heapstream/pkg/compression"
	apperrors "github.com/heapstream/pkg/errors"
)

// Open maps the archive at path. Uncompressed archives are mapped read-only;
// zstd and gzip archives are decompressed into memory first.
func Open(path string) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	size := info.Size()
	if size < HeaderSize {
		return nil, apperrors.Newf(apperrors.CodeArchiveFormat, "%s: file too small (%d bytes)", path, size)
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("failed to read archive magic: %w", err)
	}

	if comp := compression.DetectType(magic); comp != compression.TypeNone {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		data, _, err := compression.AutoDecompress(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeArchiveFormat, "failed to decompress archive", err)
		}
		return newView(data, path, comp, nil)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap archive: %w", err)
	}
	v, err := newView(data, path, compression.TypeNone, func() error {
		return syscall.Munmap(data)
	})
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	return v, nil
}
