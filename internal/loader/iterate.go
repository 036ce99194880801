package loader

import (
	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/model"
)

// Objects calls fn for every archived object in index order, with its root
// membership. It fails once the loader has released the archive.
func (l *Loader) Objects(fn func(model.ObjectInfo) bool) error {
	l.mu.Lock()
	released := l.released
	if !released {
		// Hold a reference so cleanup cannot unmap the archive under us.
		if err := l.view.Retain(); err != nil {
			released = true
		}
	}
	l.mu.Unlock()
	if released {
		return apperrors.ErrArchiveReleased
	}
	defer l.view.Release()

	membership := l.view.RootMembership()
	for i := 1; i <= l.view.ObjectCount(); i++ {
		info := l.view.Info(i)
		info.Roots = membership[i]
		if !fn(info) {
			return nil
		}
	}
	return nil
}
