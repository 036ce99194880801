package loader

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heapstream/pkg/collections"
	apperrors "github.com/heapstream/pkg/errors"
)

type batch struct {
	number    int
	start     int
	end       int
	rootStart int
	rootEnd   int
}

func (l *Loader) hasMoreLocked() bool {
	return l.rootCursor < l.view.RootCount()
}

// admitLocked extends the next batch over whole roots until it holds at
// least MinBatchObjects objects. The last batch runs to the final object.
func (l *Loader) admitLocked() batch {
	b := batch{start: l.previous + 1, end: l.previous, rootStart: l.rootCursor}
	r := l.rootCursor
	for r < l.view.RootCount() && b.end-l.previous < l.opts.MinBatchObjects {
		b.end = max(b.end, l.view.RootHighest(r))
		r++
	}
	if r == l.view.RootCount() {
		b.end = l.view.ObjectCount()
	}
	b.rootEnd = r
	l.rootCursor = r
	l.current = b.end
	l.batches++
	b.number = l.batches
	return b
}

// materializeNextBatch runs one batch. It reports false once every root has
// been admitted and no batch is in flight. Any goroutine may drive batches;
// at most one is in flight at a time.
func (l *Loader) materializeNextBatch(ctx context.Context) (bool, error) {
	l.mu.Lock()
	for l.failed == nil && (l.swapping || l.tracerWaiting || l.previous != l.current) {
		l.cond.Wait()
	}
	if l.failed != nil {
		l.mu.Unlock()
		return false, l.failed
	}
	if !l.hasMoreLocked() {
		l.mu.Unlock()
		return false, nil
	}
	b := l.admitLocked()
	careful := l.mayGCRun
	l.mu.Unlock()

	_, span := l.tracer.Start(ctx, "heapstream.loader.batch", spanRange(b.start, b.end))
	span.SetAttributes(
		attribute.Int("heapstream.batch.number", b.number),
		attribute.Int("heapstream.batch.roots", b.rootEnd-b.rootStart),
		attribute.Bool("heapstream.batch.careful", careful),
	)
	if l.opts.OnBatch != nil {
		l.opts.OnBatch(BatchInfo{Number: b.number, Start: b.start, End: b.end, Roots: b.rootEnd - b.rootStart, Careful: careful})
	}

	allocated, err := l.runBatch(b, careful)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("heapstream.batch.allocated", allocated))
	span.End()

	l.stats.batches.Add(1)
	l.stats.objectsByBatch.Add(int64(allocated))
	if careful {
		l.stats.carefulBatches.Add(1)
	}

	l.mu.Lock()
	if err == nil {
		l.previous = b.end
	} else if l.failed == nil {
		l.failed = err
	}
	l.cond.Broadcast()
	l.mu.Unlock()

	if err == nil {
		l.logger.Debug("batch %d: objects [%d, %d], roots [%d, %d), %d allocated, careful=%v",
			b.number, b.start, b.end, b.rootStart, b.rootEnd, allocated, careful)
	}
	return true, err
}

// runBatch allocates every object in the batch, then copies and links them.
// Objects a tracer already materialized are skipped in both passes.
func (l *Loader) runBatch(b batch, careful bool) (int, error) {
	allocated := 0
	if b.start <= b.end {
		skip := collections.NewBitset(b.end - b.start + 1)

		for i := b.start; i <= b.end; i++ {
			if skip.Test(i - b.start) {
				continue
			}
			if l.table.IsSet(i) {
				skip.Set(i - b.start)
				continue
			}
			if l.view.IsInterned(i) {
				n, err := l.internInBatch(i, b, skip, careful)
				allocated += n
				if err != nil {
					return allocated, err
				}
				continue
			}
			obj, err := l.allocate(i, careful)
			if err != nil {
				return allocated, err
			}
			allocated++
			l.table.Set(i, obj.Address())
		}

		link := l.eagerLinker(b.end)
		var copyErr error
		skip.Runs(0, skip.Size(), func(s, e int) bool {
			for i := b.start + s; i < b.start+e; i++ {
				if copyErr = l.copyObject(i, l.heap.Object(l.table.Get(i)), careful, link); copyErr != nil {
					return false
				}
			}
			return true
		})
		if copyErr != nil {
			return allocated, copyErr
		}
	}
	return allocated, l.installRoots(b.rootStart, b.rootEnd)
}

// internInBatch materializes interned string i together with its value
// array and installs the canonical string. Both end up in skip.
func (l *Loader) internInBatch(i int, b batch, skip *collections.Bitset, careful bool) (int, error) {
	allocated := 0
	v := l.view.ValueIndex(i)
	switch {
	case v > b.end:
		return 0, apperrors.Newf(apperrors.CodeProtocol, "string %d: value array %d beyond batch end %d", i, v, b.end)
	case v < b.start:
		if !l.table.IsSet(v) {
			return 0, apperrors.Newf(apperrors.CodeProtocol, "string %d: value array %d not materialized", i, v)
		}
	case !skip.Test(v - b.start):
		// Ahead of the allocation pass a set slot belongs to a tracer.
		// Behind it the array is ours but not yet copied.
		if v > i && l.table.IsSet(v) {
			skip.Set(v - b.start)
			break
		}
		if v > i {
			obj, err := l.allocate(v, careful)
			if err != nil {
				return 0, err
			}
			allocated++
			l.table.Set(v, obj.Address())
		}
		if err := l.copyObject(v, l.heap.Object(l.table.Get(v)), careful, l.eagerLinker(b.end)); err != nil {
			return allocated, err
		}
		skip.Set(v - b.start)
	}

	obj, err := l.allocate(i, careful)
	if err != nil {
		return allocated, err
	}
	allocated++
	if err := l.copyObject(i, obj, careful, l.eagerLinker(b.end)); err != nil {
		return allocated, err
	}
	canonical, err := l.heap.Intern(obj.Address())
	if err != nil {
		return allocated, err
	}
	l.table.Set(i, canonical)
	skip.Set(i - b.start)
	l.stats.internedStrings.Add(1)
	return allocated, nil
}

// installRoots publishes roots [from, to). Roots already published by a
// tracer or cleared are left alone.
func (l *Loader) installRoots(from, to int) error {
	for r := from; r < to; r++ {
		value := l.sentinel
		if e := l.view.RootObject(r); e != 0 {
			value = l.table.Get(e)
			if value.IsNull() {
				return apperrors.Newf(apperrors.CodeProtocol, "root %d: entry object %d not materialized", r, e)
			}
		}
		l.roots.CompareAndSwap(l.rootWord(r), 0, uint64(value))
	}
	return nil
}
