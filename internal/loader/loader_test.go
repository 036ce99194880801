package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/mock"
	"github.com/heapstream/internal/testutil"
	"github.com/heapstream/internal/verify"
	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/utils"
)

const unlimitedBudget = 1 << 40

// fatalRecorder collects errors handed to OnFatal.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) record(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) all() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

// newTestLoader creates a loader that fails the test on any fatal error
// unless opts.OnFatal is set, and closes it when the test ends.
func newTestLoader(t *testing.T, v *archive.View, h *heap.Heap, opts Options) *Loader {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = &utils.NullLogger{}
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) { t.Errorf("unexpected fatal error: %v", err) }
	}
	l, err := New(v, h, opts)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// heldStarter returns a starter that never runs the worker until the test
// ends, so the calling goroutine drives everything.
func heldStarter(t *testing.T) *mock.MockStarter {
	s := &mock.MockStarter{Hold: true}
	s.ExpectStart("heap-loader")
	return s
}

func releaseHeld(s *mock.MockStarter) {
	for _, e := range s.Entries {
		go e()
	}
}

func waitDone(t *testing.T, l *Loader) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("loader did not finish, state %s", l.State())
	}
}

func assertVerified(t *testing.T, v *archive.View, h *heap.Heap, l *Loader) {
	t.Helper()
	report, err := verify.Roots(context.Background(), v, h, l.GetRoot, 4)
	require.NoError(t, err)
	testutil.AssertVerified(t, report)
}

func assertScenarioA(t *testing.T, h *heap.Heap, l *Loader) {
	t.Helper()
	root := l.GetRoot(context.Background(), 0)
	require.False(t, root.IsNull())

	holder := h.Object(root)
	require.NotNil(t, holder)
	assert.Equal(t, testutil.HolderType, holder.Type())
	assert.Equal(t, uint64(0xb2), holder.Load(3))

	plain := h.Object(holder.LoadRef(2))
	require.NotNil(t, plain)
	assert.Equal(t, testutil.PlainType, plain.Type())
	assert.Empty(t, plain.Type().RefWords)
	assert.Equal(t, uint64(0xa1), plain.Load(2))
	assert.Equal(t, uint64(0xa2), plain.Load(3))

	assert.Equal(t, 2, l.LiveEntries())
}

func TestScenarioA_Eager(t *testing.T) {
	v := testutil.ScenarioA(t)
	h := testutil.NewHeap(0)
	l := newTestLoader(t, v, h, Options{EagerLoading: true, BootstrapMaxMemory: unlimitedBudget})

	require.NoError(t, l.Initialize(context.Background()))
	l.FinishMaterializeObjects(context.Background())

	assert.Equal(t, StateAwaitingGC, l.State())
	assertScenarioA(t, h, l)
	assert.Equal(t, int64(0), l.Stats().TracerCalls)
	assert.True(t, l.IsInUse())
}

func TestScenarioA_Background(t *testing.T) {
	v := testutil.ScenarioA(t)
	h := testutil.NewHeap(0)
	starter := &mock.MockStarter{}
	starter.ExpectStart("heap-loader")
	l := newTestLoader(t, v, h, Options{Starter: starter, BootstrapMaxMemory: unlimitedBudget})

	require.NoError(t, l.Initialize(context.Background()))
	l.FinishMaterializeObjects(context.Background())
	assertScenarioA(t, h, l)
	starter.AssertExpectations(t)

	l.Close()
	waitDone(t, l)
	assert.Equal(t, StateDone, l.State())
	assert.True(t, l.Stats().ArchiveReleasedAtMS > 0)
}

func TestScenarioA_TracerOnly(t *testing.T) {
	v := testutil.ScenarioA(t)
	h := testutil.NewHeap(0)
	starter := heldStarter(t)
	l := newTestLoader(t, v, h, Options{Starter: starter})
	t.Cleanup(func() { releaseHeld(starter) })

	require.NoError(t, l.Initialize(context.Background()))
	assertScenarioA(t, h, l)

	s := l.Stats()
	assert.Equal(t, int64(1), s.TracerCalls)
	assert.Equal(t, int64(2), s.ObjectsByTracer)
	assert.Equal(t, int64(0), s.Batches)
}

func TestScenarioB_BudgetExhaustion(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 120, ListLength: 6, Strings: 8, NullRoots: true, Seed: 5})
	h := testutil.NewHeap(0)
	scanner := h.StartScanner(time.Millisecond)

	l := newTestLoader(t, v, h, Options{
		MinBatchObjects:    16,
		BootstrapMaxMemory: prelinkedFloorBytes + 64*8,
	})
	require.NoError(t, l.Initialize(context.Background()))

	require.Eventually(t, func() bool { return l.State() == StateAwaitingGC }, 5*time.Second, time.Millisecond)
	l.mu.Lock()
	remaining := l.hasMoreLocked()
	l.mu.Unlock()
	assert.True(t, remaining, "early phase should stop before every root is admitted")
	assert.True(t, l.Stats().BudgetExhausted)

	l.EnableGC(context.Background())
	waitDone(t, l)
	require.NoError(t, l.Err())

	testutil.AssertNoWildRefs(t, scanner.Stop())
	testutil.AssertNoWildRefs(t, h.Scan())

	s := l.Stats()
	assert.Greater(t, s.UpgradedHandles, int64(0))
	assert.Greater(t, s.CarefulBatches, int64(0))
	assert.Less(t, s.CarefulBatches, s.Batches)
	assert.Equal(t, v.ObjectCount(), l.allocated.Count())
	assert.Equal(t, int64(v.ObjectCount()+1), h.Allocations(), "one allocation per object plus the root table")
	assert.Equal(t, 0, l.LiveEntries())
	assert.Equal(t, 0, h.Handles().Live())
	assert.Equal(t, StateDone, l.State())

	assertVerified(t, v, h, l)
}

func TestFinishWaitsForGCWhenBudgetSpent(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 120, ListLength: 6, Strings: 8, Seed: 5})

	t.Run("CompletesAfterEnableGC", func(t *testing.T) {
		h := testutil.NewHeap(0)
		starter := heldStarter(t)
		l := newTestLoader(t, v, h, Options{
			Starter:            starter,
			MinBatchObjects:    16,
			BootstrapMaxMemory: prelinkedFloorBytes + 64*8,
		})
		t.Cleanup(func() { releaseHeld(starter) })
		ctx := context.Background()
		require.NoError(t, l.Initialize(ctx))

		var finished atomic.Bool
		go func() {
			l.FinishMaterializeObjects(ctx)
			finished.Store(true)
		}()

		require.Eventually(t, func() bool { return l.Stats().BudgetExhausted }, 5*time.Second, time.Millisecond)
		require.Never(t, finished.Load, 100*time.Millisecond, 5*time.Millisecond, "finish must wait for the collector")

		s := l.Stats()
		assert.Equal(t, int64(0), s.CarefulBatches)
		assert.Less(t, s.AllocatedWords, int64(v.BufferBytes()/8), "early allocation stays near the budget")
		assert.False(t, h.GCEnabled())
		l.mu.Lock()
		remaining := l.hasMoreLocked()
		l.mu.Unlock()
		assert.True(t, remaining)

		l.EnableGC(ctx)
		require.Eventually(t, finished.Load, 5*time.Second, time.Millisecond)
		require.NoError(t, l.Err())

		s = l.Stats()
		assert.Greater(t, s.CarefulBatches, int64(0))
		assert.Greater(t, s.UpgradedHandles, int64(0))
		assert.Equal(t, v.ObjectCount(), l.allocated.Count())
		testutil.AssertNoWildRefs(t, h.Scan())
		assertVerified(t, v, h, l)
	})

	t.Run("ReturnsWhenContextEnds", func(t *testing.T) {
		h := testutil.NewHeap(0)
		starter := heldStarter(t)
		l := newTestLoader(t, v, h, Options{
			Starter:            starter,
			MinBatchObjects:    16,
			BootstrapMaxMemory: prelinkedFloorBytes + 64*8,
		})
		t.Cleanup(func() { releaseHeld(starter) })
		require.NoError(t, l.Initialize(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		l.FinishMaterializeObjects(ctx)

		assert.True(t, l.Stats().BudgetExhausted)
		assert.Equal(t, int64(0), l.Stats().CarefulBatches)
		l.mu.Lock()
		assert.True(t, l.hasMoreLocked())
		l.mu.Unlock()
	})
}

func TestScenarioC_TracerOvertakesIterator(t *testing.T) {
	g := &archive.Graph{}
	first := archive.NewListNode(0, 1)
	g.AddRoot(first)
	for r := 1; r < 40; r++ {
		g.AddRoot(archive.NewListNode(uint64(r), 2).SetRef(2, archive.NewListNode(uint64(r), 3)))
	}
	last := archive.NewListNode(99, 4).SetRef(3, first)
	g.AddRoot(last)
	b := archive.NewBuilder()
	b.SetRequestedMetadataBase(archive.DefaultMetadataBase)
	require.NoError(t, g.Build(b))
	v := testutil.View(t, b)
	lastRoot := v.RootCount() - 1
	require.Equal(t, 1, v.Refs(v.RootObject(lastRoot))[1], "last root refers back to object 1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	h := testutil.NewHeap(0)
	l := newTestLoader(t, v, h, Options{
		MinBatchObjects:    8,
		BootstrapMaxMemory: unlimitedBudget,
		OnBatch: func(info BatchInfo) {
			if info.Number == 1 {
				close(entered)
				<-release
			}
		},
	})
	require.NoError(t, l.Initialize(context.Background()))
	<-entered

	var done atomic.Bool
	var got heap.Address
	go func() {
		got = l.GetRoot(context.Background(), lastRoot)
		done.Store(true)
	}()

	require.Never(t, done.Load, 100*time.Millisecond, 5*time.Millisecond, "tracer must wait for batch 1")
	prev, cur := l.Watermarks()
	assert.Equal(t, 0, prev)
	assert.GreaterOrEqual(t, cur, 1)

	releaseOnce.Do(func() { close(release) })
	require.Eventually(t, done.Load, 5*time.Second, time.Millisecond)

	obj := h.Object(got)
	require.NotNil(t, obj)
	assert.Equal(t, uint64(99), obj.Load(4))
	assert.Equal(t, l.GetRoot(context.Background(), 0), obj.LoadRef(3))
	assert.Equal(t, int64(1), l.Stats().TracerWaits)

	l.FinishMaterializeObjects(context.Background())
	assert.Equal(t, v.ObjectCount(), l.allocated.Count())
	assertVerified(t, v, h, l)
}

func TestClearRootIdempotent(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 14, ListLength: 3, Strings: 2, NullRoots: true, Seed: 9})
	h := testutil.NewHeap(0)
	starter := heldStarter(t)
	l := newTestLoader(t, v, h, Options{Starter: starter, BootstrapMaxMemory: unlimitedBudget})
	t.Cleanup(func() { releaseHeld(starter) })
	require.NoError(t, l.Initialize(context.Background()))
	ctx := context.Background()

	t.Run("ClearTwiceBeforeMaterialization", func(t *testing.T) {
		l.ClearRoot(1)
		l.ClearRoot(1)
		assert.True(t, l.GetRoot(ctx, 1).IsNull())
		assert.True(t, l.GetRoot(ctx, 1).IsNull())
		assert.Equal(t, int64(0), l.Stats().TracerCalls)
	})

	t.Run("NullRootNeverRetraced", func(t *testing.T) {
		require.Equal(t, 0, v.RootObject(6))
		before := l.Stats().TracerCalls
		assert.True(t, l.GetRoot(ctx, 6).IsNull())
		assert.True(t, l.GetRoot(ctx, 6).IsNull())
		l.ClearRoot(6)
		assert.True(t, l.GetRoot(ctx, 6).IsNull())
		assert.Equal(t, before+1, l.Stats().TracerCalls)
	})

	t.Run("ClearAfterMaterialization", func(t *testing.T) {
		require.False(t, l.GetRoot(ctx, 0).IsNull())
		before := l.Stats().TracerCalls
		l.ClearRoot(0)
		l.ClearRoot(0)
		assert.True(t, l.GetRoot(ctx, 0).IsNull())
		assert.Equal(t, before, l.Stats().TracerCalls)
	})

	t.Run("BatchDoesNotResurrect", func(t *testing.T) {
		l.FinishMaterializeObjects(ctx)
		assert.True(t, l.GetRoot(ctx, 0).IsNull())
		assert.True(t, l.GetRoot(ctx, 1).IsNull())
		assert.False(t, l.GetRoot(ctx, 2).IsNull())
	})
}

func TestGetRootAndClear(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 10, ListLength: 3, Seed: 12})
	h := testutil.NewHeap(0)
	starter := heldStarter(t)
	l := newTestLoader(t, v, h, Options{Starter: starter, BootstrapMaxMemory: unlimitedBudget})
	t.Cleanup(func() { releaseHeld(starter) })
	ctx := context.Background()
	require.NoError(t, l.Initialize(ctx))

	first := l.GetRootAndClear(ctx, 3)
	require.False(t, first.IsNull())
	assert.NotNil(t, h.Object(first))
	assert.True(t, l.GetRoot(ctx, 3).IsNull())
	assert.True(t, l.GetRootAndClear(ctx, 3).IsNull())
	assert.Equal(t, int64(1), l.Stats().TracerCalls)

	l.FinishMaterializeObjects(ctx)
	assert.True(t, l.GetRoot(ctx, 3).IsNull(), "batches do not resurrect a taken root")
	assert.False(t, l.GetRootAndClear(ctx, 4).IsNull())
}

func internedPair(t *testing.T) *archive.View {
	g := &archive.Graph{}
	g.AddRoot(archive.NewStringNode("shared", true))
	g.AddRoot(archive.NewListNode(1, 1))
	g.AddRoot(archive.NewObjectArray(archive.NewStringNode("shared", true), archive.NewStringNode("other", true)))
	b := archive.NewBuilder()
	b.SetRequestedMetadataBase(archive.DefaultMetadataBase)
	require.NoError(t, g.Build(b))
	return testutil.View(t, b)
}

func TestInterningCanonicalizes(t *testing.T) {
	ctx := context.Background()
	check := func(t *testing.T, h *heap.Heap, l *Loader) {
		first := l.GetRoot(ctx, 0)
		arr := h.Object(l.GetRoot(ctx, 2))
		require.NotNil(t, arr)
		second := arr.LoadRef(3)
		assert.Equal(t, first, second, "equal interned strings share one object")
		assert.NotEqual(t, first, arr.LoadRef(4))
		assert.True(t, h.Object(first).IsInterned())
		assert.Equal(t, "shared", string(h.Object(h.Object(first).LoadRef(2)).Bytes()))
		assert.Equal(t, 2, h.InternedCount())
	}

	t.Run("Batch", func(t *testing.T) {
		v := internedPair(t)
		h := testutil.NewHeap(0)
		l := newTestLoader(t, v, h, Options{EagerLoading: true, BootstrapMaxMemory: unlimitedBudget})
		require.NoError(t, l.Initialize(ctx))
		check(t, h, l)
		assert.Equal(t, int64(3), l.Stats().InternedStrings)
	})

	t.Run("Tracer", func(t *testing.T) {
		v := internedPair(t)
		h := testutil.NewHeap(0)
		starter := heldStarter(t)
		l := newTestLoader(t, v, h, Options{Starter: starter})
		t.Cleanup(func() { releaseHeld(starter) })
		require.NoError(t, l.Initialize(ctx))
		l.GetRoot(ctx, 2)
		check(t, h, l)
		assert.Equal(t, int64(0), l.Stats().Batches)
	})

	t.Run("TracerThenBatch", func(t *testing.T) {
		v := internedPair(t)
		h := testutil.NewHeap(0)
		starter := heldStarter(t)
		l := newTestLoader(t, v, h, Options{Starter: starter, MinBatchObjects: 1, BootstrapMaxMemory: unlimitedBudget})
		t.Cleanup(func() { releaseHeld(starter) })
		require.NoError(t, l.Initialize(ctx))
		l.GetRoot(ctx, 2)
		l.FinishMaterializeObjects(ctx)
		check(t, h, l)
		assert.Equal(t, v.ObjectCount(), l.allocated.Count())
		assertVerified(t, v, h, l)
	})
}

// sharedValues archives strings whose value arrays precede them: root 0
// reaches a byte array through an object array, root 2 is an interned
// string over that array, and root 4 holds a second string over the value
// array of the string at root 3.
func sharedValues(t *testing.T) *archive.View {
	shared := archive.NewBytesNode("shared")
	mine := archive.NewStringNode("mine", true)
	g := &archive.Graph{}
	g.AddRoot(archive.NewObjectArray(shared, archive.NewListNode(7, 8)))
	g.AddRoot(archive.NewListNode(1, 2))
	g.AddRoot(archive.NewStringOver(shared, true))
	g.AddRoot(mine)
	g.AddRoot(archive.NewObjectArray(archive.NewStringOver(mine.Refs[archive.TypeString.ValueOffset], true)))
	b := archive.NewBuilder()
	b.SetRequestedMetadataBase(archive.DefaultMetadataBase)
	require.NoError(t, g.Build(b))
	return testutil.View(t, b)
}

func TestInterningSharedValueArrays(t *testing.T) {
	ctx := context.Background()
	v := sharedValues(t)
	str := v.RootObject(2)
	require.Less(t, v.ValueIndex(str), str, "value array precedes its string")
	require.Equal(t, v.ValueIndex(v.RootObject(3)), v.ValueIndex(v.Refs(v.RootObject(4))[0]))

	check := func(t *testing.T, h *heap.Heap, l *Loader) {
		holder := h.Object(l.GetRoot(ctx, 0))
		require.NotNil(t, holder)
		s := h.Object(l.GetRoot(ctx, 2))
		require.NotNil(t, s)
		assert.True(t, s.IsInterned())
		assert.Equal(t, holder.LoadRef(3), s.LoadRef(2), "string shares the array reached from root 0")
		assert.Equal(t, "shared", string(h.Object(s.LoadRef(2)).Bytes()))

		reused := h.Object(l.GetRoot(ctx, 4))
		require.NotNil(t, reused)
		assert.Equal(t, l.GetRoot(ctx, 3), reused.LoadRef(3), "equal interned strings share one object")
		assert.Equal(t, 2, h.InternedCount())
	}

	for _, batch := range []int{1, 128} {
		t.Run(fmt.Sprintf("Batch%d", batch), func(t *testing.T) {
			h := testutil.NewHeap(0)
			l := newTestLoader(t, v, h, Options{EagerLoading: true, MinBatchObjects: batch, BootstrapMaxMemory: unlimitedBudget})
			require.NoError(t, l.Initialize(ctx))
			check(t, h, l)
			assert.Equal(t, v.ObjectCount(), l.allocated.Count())
			assertVerified(t, v, h, l)
		})

		t.Run(fmt.Sprintf("Tracer%d", batch), func(t *testing.T) {
			h := testutil.NewHeap(0)
			starter := heldStarter(t)
			l := newTestLoader(t, v, h, Options{Starter: starter, MinBatchObjects: batch})
			t.Cleanup(func() { releaseHeld(starter) })
			require.NoError(t, l.Initialize(ctx))
			for _, r := range []int{4, 2, 3, 0, 1} {
				l.GetRoot(ctx, r)
			}
			check(t, h, l)
			assert.Equal(t, int64(0), l.Stats().Batches)
			assert.Equal(t, v.ObjectCount(), l.allocated.Count())
		})

		t.Run(fmt.Sprintf("TracerThenBatch%d", batch), func(t *testing.T) {
			h := testutil.NewHeap(0)
			starter := heldStarter(t)
			l := newTestLoader(t, v, h, Options{Starter: starter, MinBatchObjects: batch, BootstrapMaxMemory: unlimitedBudget})
			t.Cleanup(func() { releaseHeld(starter) })
			require.NoError(t, l.Initialize(ctx))
			l.GetRoot(ctx, 2)
			l.GetRoot(ctx, 4)
			l.FinishMaterializeObjects(ctx)
			check(t, h, l)
			assert.Equal(t, v.ObjectCount(), l.allocated.Count())
			assertVerified(t, v, h, l)
		})
	}
}

func TestAllocationFailureIsFatal(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 30, ListLength: 4, Strings: 3, Seed: 2})
	rootsWords := 3 + v.RootCount() + (3+v.RootCount())%2

	t.Run("Eager", func(t *testing.T) {
		h := testutil.NewHeap(int64(rootsWords + 20))
		fatals := &fatalRecorder{}
		l := newTestLoader(t, v, h, Options{EagerLoading: true, BootstrapMaxMemory: unlimitedBudget, OnFatal: fatals.record})

		err := l.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.IsAllocationError(err))
		require.Len(t, fatals.all(), 1)
		assert.True(t, apperrors.IsAllocationError(fatals.all()[0]))
		assert.False(t, l.IsInUse())
		assert.Error(t, l.Err())
	})

	t.Run("Background", func(t *testing.T) {
		h := testutil.NewHeap(int64(rootsWords + 20))
		fatals := &fatalRecorder{}
		l := newTestLoader(t, v, h, Options{BootstrapMaxMemory: unlimitedBudget, OnFatal: fatals.record})

		require.NoError(t, l.Initialize(context.Background()))
		waitDone(t, l)
		require.Len(t, fatals.all(), 1)
		assert.True(t, apperrors.IsAllocationError(l.Err()))

		// Waiters are released instead of blocking on a dead loader.
		l.FinishMaterializeObjects(context.Background())
		l.EnableGC(context.Background())
		assert.Len(t, fatals.all(), 1, "OnFatal runs once")
	})
}

func TestCarefulFromTheStart(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 40, ListLength: 5, Strings: 6, Cycles: true, Seed: 4})
	h := testutil.NewHeap(0)
	l := newTestLoader(t, v, h, Options{EagerLoading: true, MinBatchObjects: 10})

	l.EnableGC(context.Background())
	require.NoError(t, l.Initialize(context.Background()))
	assert.Equal(t, StateDone, l.State())

	s := l.Stats()
	assert.Equal(t, s.Batches, s.CarefulBatches)
	assert.Greater(t, s.Batches, int64(1))
	assert.Equal(t, int64(0), s.UpgradedHandles)
	assert.Greater(t, s.HandlesReleased, int64(0))
	assert.Equal(t, 0, h.Handles().Live())
	testutil.AssertNoWildRefs(t, h.Scan())
	assertVerified(t, v, h, l)
}

func TestEnableGCIsOneShot(t *testing.T) {
	v := testutil.Synth(t, archive.SynthOptions{Roots: 20, ListLength: 4, Seed: 8})
	h := testutil.NewHeap(0)
	l := newTestLoader(t, v, h, Options{EagerLoading: true, MinBatchObjects: 4, BootstrapMaxMemory: prelinkedFloorBytes})

	require.NoError(t, l.Initialize(context.Background()))
	assert.Equal(t, StateAwaitingGC, l.State())
	assert.False(t, h.GCEnabled())

	l.EnableGC(context.Background())
	assert.True(t, h.GCEnabled())
	assert.Equal(t, StateDone, l.State())
	upgraded := l.Stats().UpgradedHandles

	l.EnableGC(context.Background())
	assert.Equal(t, upgraded, l.Stats().UpgradedHandles)
	assertVerified(t, v, h, l)
}

func TestInitializeTwice(t *testing.T) {
	v := testutil.ScenarioA(t)
	l := newTestLoader(t, v, testutil.NewHeap(0), Options{EagerLoading: true})

	require.NoError(t, l.Initialize(context.Background()))
	err := l.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetErrorCode(err))
}

func TestRootOutOfRangeIsFatal(t *testing.T) {
	v := testutil.ScenarioA(t)
	fatals := &fatalRecorder{}
	l := newTestLoader(t, v, testutil.NewHeap(0), Options{EagerLoading: true, OnFatal: fatals.record})
	require.NoError(t, l.Initialize(context.Background()))

	assert.True(t, l.GetRoot(context.Background(), 5).IsNull())
	require.Len(t, fatals.all(), 1)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetErrorCode(fatals.all()[0]))
}

func TestRootTableIsSentinel(t *testing.T) {
	v := testutil.ScenarioA(t)
	h := testutil.NewHeap(0)
	l := newTestLoader(t, v, h, Options{EagerLoading: true})
	require.NoError(t, l.Initialize(context.Background()))

	table := h.Object(l.RootTable())
	require.NotNil(t, table)
	assert.Equal(t, v.RootCount(), table.Length())

	l.ClearRoot(0)
	assert.Equal(t, l.RootTable(), table.LoadRef(table.Type().HeaderWords()))
	assert.True(t, l.GetRoot(context.Background(), 0).IsNull())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNotStarted, "not-started"},
		{StateEarly, "early"},
		{StateAwaitingGC, "awaiting-gc"},
		{StateLate, "late"},
		{StateCleanup, "cleanup"},
		{StateDone, "done"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
