package loader

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heapstream/internal/heap"
	"github.com/heapstream/pkg/collections"
	apperrors "github.com/heapstream/pkg/errors"
)

// materializeRoot materializes root r on the calling goroutine and
// publishes it. The whole operation runs under the loader lock except for
// at most one wait on the iterative loader.
func (l *Loader) materializeRoot(ctx context.Context, r int) (heap.Address, error) {
	_, span := l.tracer.Start(ctx, "heapstream.loader.materialize_root",
		trace.WithAttributes(attribute.Int("heapstream.root", r)))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.rootWord(r)
	if v := l.roots.LoadRef(w); !v.IsNull() {
		return v, nil
	}
	// Only one tracer may be parked on the iterative loader at a time.
	for l.tracerWaiting && l.failed == nil {
		l.cond.Wait()
	}
	if l.failed != nil {
		return heap.Null, l.failed
	}
	if v := l.roots.LoadRef(w); !v.IsNull() {
		return v, nil
	}
	if l.released {
		return heap.Null, apperrors.Newf(apperrors.CodeArchiveRelease, "root %d requested after archive release", r)
	}

	l.stats.tracerCalls.Add(1)
	value := l.sentinel
	if e := l.view.RootObject(r); e != 0 {
		span.SetAttributes(attribute.Int("heapstream.object", e))
		a, err := l.materializeTransitive(e)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return heap.Null, err
		}
		value = a
	}
	l.roots.CompareAndSwap(w, 0, uint64(value))
	return l.roots.LoadRef(w), nil
}

// materializeTransitive materializes object i and everything it reaches,
// draining deferred references from an explicit stack.
func (l *Loader) materializeTransitive(i int) (heap.Address, error) {
	stack := collections.NewStack[edge](32)
	careful := l.mayGCRun

	result, err := l.resolve(i, stack, careful)
	for err == nil {
		e, ok := stack.Pop()
		if !ok {
			break
		}
		var a heap.Address
		if a, err = l.resolve(e.pointee, stack, careful); err != nil {
			break
		}
		l.heap.Object(l.table.Get(e.base)).StoreRef(e.word, a)
	}
	return result, err
}

// resolve returns the object for index i, materializing it if nobody owns
// it yet.
func (l *Loader) resolve(i int, stack *collections.Stack[edge], careful bool) (heap.Address, error) {
	switch {
	case i <= l.previous:
	case i <= l.current:
		if err := l.awaitIteratorLocked(i); err != nil {
			return heap.Null, err
		}
	default:
		if a := l.table.Get(i); !a.IsNull() {
			return a, nil
		}
		return l.materializeInner(i, stack, careful)
	}

	a := l.table.Get(i)
	if a.IsNull() {
		return heap.Null, apperrors.Newf(apperrors.CodeProtocol, "object %d below watermark %d is not materialized", i, l.previous)
	}
	return a, nil
}

// awaitIteratorLocked parks until the in-flight batch covering i is done.
func (l *Loader) awaitIteratorLocked(i int) error {
	l.tracerWaiting = true
	l.stats.tracerWaits.Add(1)
	for l.previous < i && l.failed == nil {
		l.cond.Wait()
	}
	l.tracerWaiting = false
	l.cond.Broadcast()
	return l.failed
}

// materializeInner allocates and copies object i. Its references are pushed
// onto stack and its table slot is set last.
func (l *Loader) materializeInner(i int, stack *collections.Stack[edge], careful bool) (heap.Address, error) {
	if l.view.IsInterned(i) {
		return l.internTraced(i, stack, careful)
	}
	obj, err := l.allocate(i, careful)
	if err != nil {
		return heap.Null, err
	}
	if err := l.copyObject(i, obj, careful, lazyLinker(stack, i)); err != nil {
		return heap.Null, err
	}
	l.table.Set(i, obj.Address())
	l.stats.objectsByTracer.Add(1)
	return obj.Address(), nil
}

func (l *Loader) internTraced(i int, stack *collections.Stack[edge], careful bool) (heap.Address, error) {
	v := l.view.ValueIndex(i)
	value, err := l.resolve(v, stack, careful)
	if err != nil {
		return heap.Null, err
	}
	obj, err := l.allocate(i, careful)
	if err != nil {
		return heap.Null, err
	}
	err = l.copyObject(i, obj, careful, func(_, pointee int) (heap.Address, error) {
		if pointee != v {
			return heap.Null, apperrors.Newf(apperrors.CodeProtocol, "string %d: unexpected reference to %d", i, pointee)
		}
		return value, nil
	})
	if err != nil {
		return heap.Null, err
	}
	canonical, err := l.heap.Intern(obj.Address())
	if err != nil {
		return heap.Null, err
	}
	l.table.Set(i, canonical)
	l.stats.objectsByTracer.Add(1)
	l.stats.internedStrings.Add(1)
	return canonical, nil
}
