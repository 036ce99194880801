package loader

import (
	"github.com/heapstream/internal/heap"
	"github.com/heapstream/pkg/collections"
	apperrors "github.com/heapstream/pkg/errors"
)

// eagerLinker resolves pointees through the object table. Every pointee up
// to limit must already be allocated.
func (l *Loader) eagerLinker(limit int) linkFunc {
	return func(_, pointee int) (heap.Address, error) {
		if pointee == 0 {
			return heap.Null, nil
		}
		if pointee > limit {
			return heap.Null, apperrors.Newf(apperrors.CodeProtocol,
				"reference to object %d beyond batch end %d", pointee, limit)
		}
		a := l.table.Get(pointee)
		if a.IsNull() {
			return heap.Null, apperrors.Newf(apperrors.CodeProtocol, "object %d referenced before allocation", pointee)
		}
		return a, nil
	}
}

// edge is a reference field waiting for its pointee.
type edge struct {
	pointee int
	base    int
	word    int
}

// lazyLinker defers every non-null reference of base onto stack.
func lazyLinker(stack *collections.Stack[edge], base int) linkFunc {
	return func(w, pointee int) (heap.Address, error) {
		if pointee != 0 {
			stack.Push(edge{pointee: pointee, base: base, word: w})
		}
		return heap.Null, nil
	}
}
