// Package loader streams archived heap objects into a live heap.
//
// Objects are materialized in two ways that cooperate through one lock. A
// single iterative loader walks the archive in batches of whole roots, and
// any number of requesting goroutines may trace a root on demand when they
// get ahead of it. Until the collector is enabled objects are copied with a
// fast bulk copy; afterwards every reference field goes from null straight
// to its final value.
package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/collections"
	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/utils"
)

// State is the orchestrator state.
type State int

const (
	StateNotStarted State = iota
	StateEarly
	StateAwaitingGC
	StateLate
	StateCleanup
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateEarly:
		return "early"
	case StateAwaitingGC:
		return "awaiting-gc"
	case StateLate:
		return "late"
	case StateCleanup:
		return "cleanup"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader owns one archive's materialization.
type Loader struct {
	view   *archive.View
	heap   Heap
	opts   Options
	logger utils.Logger
	tracer trace.Tracer
	timer  *utils.Timer

	table         *ObjectTable
	allocated     *collections.AtomicBitset
	roots         *heap.Object
	sentinel      heap.Address
	metadataDelta uint64
	budget        int64

	// mu guards everything below and the table outside a batch's range.
	mu   sync.Mutex
	cond *sync.Cond

	state      State
	previous   int
	current    int
	rootCursor int
	batches    int

	mayGCRun      bool
	gcRequested   bool
	gcEnabled     bool
	swapping      bool
	tracerWaiting bool
	lateStarted   bool
	workerStarted bool
	closing       bool
	released      bool
	failed        error

	stats       stats
	fatalOnce   sync.Once
	cleanupOnce sync.Once
	doneOnce    sync.Once
	done        chan struct{}
}

// New creates a loader over view. The loader takes its own reference on
// the view and drops it during cleanup.
func New(view *archive.View, h Heap, opts Options) (*Loader, error) {
	opts.applyDefaults()
	if err := view.Retain(); err != nil {
		return nil, err
	}
	l := &Loader{
		view:          view,
		heap:          h,
		opts:          opts,
		logger:        opts.Logger,
		tracer:        opts.Tracer,
		table:         newObjectTable(view.ObjectCount(), h.Handles()),
		allocated:     collections.NewAtomicBitset(view.ObjectCount() + 1),
		metadataDelta: h.Metadata().Base - view.RequestedMetadataBase(),
		budget:        opts.budgetWords(),
		done:          make(chan struct{}),
	}
	l.timer = utils.NewTimer("heap-loader", utils.WithLogger(l.logger))
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Initialize publishes the root table and starts materialization. With
// eager loading the early phase runs on the calling goroutine; otherwise a
// background worker is started.
func (l *Loader) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateNotStarted {
		l.mu.Unlock()
		return apperrors.New(apperrors.CodeInvalidInput, "loader already initialized")
	}

	n := l.view.RootCount()
	size, err := layout.RootsArrayType.ArraySizeWords(n)
	if err != nil {
		l.mu.Unlock()
		return apperrors.Wrap(apperrors.CodeArchiveFormat, "root table", err)
	}
	addr, err := l.heap.AllocateArray(layout.RootsArrayType, size, n, true)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to allocate root table: %w", err)
	}
	l.roots = l.heap.Object(addr)
	l.sentinel = addr
	l.state = StateEarly
	l.mu.Unlock()

	l.logger.Info("initialized: %d objects, %d roots, %d buffer bytes, budget %d words, eager=%v",
		l.view.ObjectCount(), n, l.view.BufferBytes(), l.budget, l.opts.EagerLoading)

	if !l.opts.EagerLoading {
		l.mu.Lock()
		l.workerStarted = true
		l.mu.Unlock()
		l.opts.Starter.Start("heap-loader", l.run)
		return nil
	}

	if err := l.earlyPhase(ctx); err != nil {
		l.fatal(err)
		return err
	}
	l.setState(StateAwaitingGC)
	if l.beginLate() {
		l.runLate(ctx)
	}
	return nil
}

func (l *Loader) rootWord(r int) int {
	return layout.RootsArrayType.HeaderWords() + r
}

// GetRoot returns root r, materializing it on the calling goroutine when
// the iterative loader has not reached it yet. Explicitly cleared and null
// roots return heap.Null.
func (l *Loader) GetRoot(ctx context.Context, r int) heap.Address {
	if err := l.checkRoot(r); err != nil {
		l.fatal(err)
		return heap.Null
	}
	v := l.roots.LoadRef(l.rootWord(r))
	if v.IsNull() {
		var err error
		if v, err = l.materializeRoot(ctx, r); err != nil {
			l.fatal(err)
			return heap.Null
		}
	}
	if v == l.sentinel {
		return heap.Null
	}
	return v
}

// GetRootAndClear returns root r and then clears it, for callers that take
// ownership of a root exactly once.
func (l *Loader) GetRootAndClear(ctx context.Context, r int) heap.Address {
	v := l.GetRoot(ctx, r)
	if err := l.checkRoot(r); err == nil {
		l.ClearRoot(r)
	}
	return v
}

// ClearRoot marks root r as explicitly cleared.
func (l *Loader) ClearRoot(r int) {
	if err := l.checkRoot(r); err != nil {
		l.fatal(err)
		return
	}
	l.roots.StoreRef(l.rootWord(r), l.sentinel)
}

// RootTable returns the published roots array.
func (l *Loader) RootTable() heap.Address {
	return l.sentinel
}

func (l *Loader) checkRoot(r int) error {
	if l.roots == nil {
		return apperrors.New(apperrors.CodeInvalidInput, "loader not initialized")
	}
	if r < 0 || r >= l.view.RootCount() {
		return apperrors.Newf(apperrors.CodeInvalidInput, "root %d out of range [0, %d)", r, l.view.RootCount())
	}
	return nil
}

// IsInUse reports whether the archived heap has been initialized and has
// not failed.
func (l *Loader) IsInUse() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != StateNotStarted && l.failed == nil
}

// State returns the orchestrator state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.cond.Broadcast()
	l.mu.Unlock()
	l.logger.Info("phase %s", s)
}

// Watermarks returns the last fully materialized index and the in-flight
// batch end.
func (l *Loader) Watermarks() (previous, current int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.previous, l.current
}

// LiveEntries returns the number of populated object table slots.
func (l *Loader) LiveEntries() int {
	return l.table.Live()
}

// Done is closed once the loader reaches its final state.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

// Err returns the fatal error, if any.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// fatal is the single adapter from internal errors to the termination
// policy. Waiters are released so nothing blocks on a dead loader.
func (l *Loader) fatal(err error) {
	l.mu.Lock()
	if l.failed == nil {
		l.failed = err
	}
	l.cond.Broadcast()
	l.mu.Unlock()

	l.fatalOnce.Do(func() {
		l.logger.WithField("code", apperrors.GetErrorCode(err)).Error("materialization failed: %v", err)
		l.opts.OnFatal(err)
	})
}

func (l *Loader) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Close stops background work and releases the archive. It is safe to call
// more than once.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closing = true
	started := l.workerStarted
	l.cond.Broadcast()
	l.mu.Unlock()

	if started {
		<-l.done
		return
	}
	l.cleanup()
}

func spanRange(start, end int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.Int("heapstream.batch.start", start),
		attribute.Int("heapstream.batch.end", end),
	)
}

// stats are updated without the lock.
type stats struct {
	batches           atomic.Int64
	carefulBatches    atomic.Int64
	objectsByBatch    atomic.Int64
	objectsByTracer   atomic.Int64
	tracerCalls       atomic.Int64
	tracerWaits       atomic.Int64
	internedStrings   atomic.Int64
	allocatedWords    atomic.Int64
	upgradedToHandles atomic.Int64
	handlesReleased   atomic.Int64
	budgetExhausted   atomic.Bool
	archiveReleasedMS atomic.Int64
}
