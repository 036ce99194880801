package loader

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heapstream/pkg/model"
)

// run is the background worker: early phase, wait for the collector, late
// phase, cleanup.
func (l *Loader) run() {
	ctx := context.Background()
	if err := l.earlyPhase(ctx); err != nil {
		l.fatal(err)
		l.markDone()
		return
	}
	l.setState(StateAwaitingGC)
	if !l.awaitGC() {
		l.mu.Lock()
		failed := l.failed != nil
		l.mu.Unlock()
		if !failed {
			l.cleanup()
		}
		l.markDone()
		return
	}
	if l.beginLate() {
		l.runLate(ctx)
	}
}

func (l *Loader) phaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "heapstream.loader.phase",
		trace.WithAttributes(attribute.String("heapstream.phase", phase)))
}

// earlyPhase runs batches until the bootstrap budget is spent, the
// collector is enabled, or no roots remain.
func (l *Loader) earlyPhase(ctx context.Context) error {
	ctx, span := l.phaseSpan(ctx, "early")
	defer span.End()
	defer l.timer.Start("early").Stop()

	for {
		l.mu.Lock()
		stop := l.mayGCRun || l.closing
		l.mu.Unlock()
		if stop {
			return nil
		}
		if used := l.stats.allocatedWords.Load(); used > l.budget {
			l.stats.budgetExhausted.Store(true)
			l.logger.Info("bootstrap budget exhausted: %d of %d words allocated, deferring the rest until GC is enabled",
				used, l.budget)
			span.SetAttributes(attribute.Bool("heapstream.budget_exhausted", true))
			return nil
		}
		more, err := l.materializeNextBatch(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// awaitGC blocks until the collector is enabled. It returns false when the
// loader is closed or has failed first.
func (l *Loader) awaitGC() bool {
	defer l.timer.Start("awaiting-gc").Stop()
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.gcEnabled && !l.closing && l.failed == nil {
		l.cond.Wait()
	}
	return l.gcEnabled && l.failed == nil
}

// beginLate claims the late phase once the collector is enabled.
func (l *Loader) beginLate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lateStarted || !l.gcEnabled || l.state != StateAwaitingGC || l.failed != nil {
		return false
	}
	l.lateStarted = true
	return true
}

func (l *Loader) runLate(ctx context.Context) {
	l.setState(StateLate)
	if err := l.latePhase(ctx); err != nil {
		l.fatal(err)
		l.markDone()
		return
	}
	l.cleanup()
}

// latePhase runs the remaining batches with no budget.
func (l *Loader) latePhase(ctx context.Context) error {
	ctx, span := l.phaseSpan(ctx, "late")
	defer span.End()
	defer l.timer.Start("late").Stop()

	for {
		l.mu.Lock()
		closing := l.closing
		l.mu.Unlock()
		if closing {
			return nil
		}
		more, err := l.materializeNextBatch(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// cleanup releases the loader's hold on the archive and any handles.
func (l *Loader) cleanup() {
	l.cleanupOnce.Do(func() {
		l.setState(StateCleanup)
		pt := l.timer.Start("cleanup")

		l.mu.Lock()
		released, err := l.table.ReleaseHandles()
		l.released = true
		l.mu.Unlock()
		if err != nil {
			l.fatal(err)
		}
		l.stats.handlesReleased.Add(int64(released))

		if err := l.view.Release(); err != nil {
			l.logger.Warn("failed to unmap archive: %v", err)
		}
		l.stats.archiveReleasedMS.Store(max(l.timer.TotalDuration().Milliseconds(), 1))
		pt.Stop()

		l.setState(StateDone)
		l.logger.Info("done: %d batches, %d objects by batch, %d by tracer, %d handles released",
			l.stats.batches.Load(), l.stats.objectsByBatch.Load(), l.stats.objectsByTracer.Load(), released)
		l.timer.PrintSummary()
		l.markDone()
	})
}

// EnableGC performs the one-time switch to collector-safe materialization.
// It waits for any in-flight batch and parked tracer, upgrades the object
// table to handles if work remains, and flips to careful copying. With
// eager loading the remaining batches then run on the calling goroutine.
func (l *Loader) EnableGC(ctx context.Context) {
	ctx, span := l.tracer.Start(ctx, "heapstream.loader.enable_gc")
	defer span.End()

	l.mu.Lock()
	if l.gcRequested {
		l.mu.Unlock()
		return
	}
	l.gcRequested = true
	l.swapping = true
	for l.failed == nil && (l.previous != l.current || l.tracerWaiting) {
		l.cond.Wait()
	}

	upgraded := 0
	if l.failed == nil && l.hasMoreLocked() {
		upgraded = l.table.UpgradeToHandles()
	}
	l.mayGCRun = true
	l.heap.SetGCEnabled(true)
	l.swapping = false
	l.gcEnabled = true
	l.cond.Broadcast()
	l.mu.Unlock()

	l.stats.upgradedToHandles.Add(int64(upgraded))
	span.SetAttributes(attribute.Int("heapstream.upgraded_handles", upgraded))
	l.logger.Info("GC enabled: %d table slots upgraded to handles", upgraded)

	if l.opts.EagerLoading && l.beginLate() {
		l.runLate(ctx)
	}
}

// FinishMaterializeObjects returns once every root has been materialized.
// The calling goroutine runs batches itself. Before the collector is
// enabled it stays within the bootstrap budget and then waits for EnableGC.
// Cancelling ctx abandons that wait but never interrupts a batch.
func (l *Loader) FinishMaterializeObjects(ctx context.Context) {
	if l.State() == StateNotStarted {
		return
	}
	defer l.timer.Start("finish").Stop()
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()
	for {
		if !l.awaitBudget(ctx) {
			return
		}
		more, err := l.materializeNextBatch(ctx)
		if err != nil {
			l.fatal(err)
			return
		}
		if !more {
			return
		}
	}
}

// awaitBudget blocks while the bootstrap budget is spent, work remains and
// the collector is still disabled.
func (l *Loader) awaitBudget(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.failed == nil && !l.mayGCRun && l.hasMoreLocked() && l.stats.allocatedWords.Load() > l.budget {
		if l.closing || ctx.Err() != nil {
			return false
		}
		if !l.stats.budgetExhausted.Swap(true) {
			l.logger.Info("bootstrap budget exhausted: %d of %d words allocated, finishing after GC is enabled",
				l.stats.allocatedWords.Load(), l.budget)
		}
		l.cond.Wait()
	}
	return l.failed == nil
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() model.LoaderStats {
	s := model.LoaderStats{
		Batches:             l.stats.batches.Load(),
		CarefulBatches:      l.stats.carefulBatches.Load(),
		ObjectsByBatch:      l.stats.objectsByBatch.Load(),
		ObjectsByTracer:     l.stats.objectsByTracer.Load(),
		TracerCalls:         l.stats.tracerCalls.Load(),
		TracerWaits:         l.stats.tracerWaits.Load(),
		InternedStrings:     l.stats.internedStrings.Load(),
		AllocatedWords:      l.stats.allocatedWords.Load(),
		UpgradedHandles:     l.stats.upgradedToHandles.Load(),
		BudgetExhausted:     l.stats.budgetExhausted.Load(),
		HandlesReleased:     l.stats.handlesReleased.Load(),
		ArchiveBytesMapped:  l.view.FileSize(),
		ArchiveReleasedAtMS: l.stats.archiveReleasedMS.Load(),
	}
	return s
}

// Phases returns the completed orchestrator phase durations.
func (l *Loader) Phases() map[string]time.Duration {
	return l.timer.Durations()
}
