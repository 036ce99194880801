package loader

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/testutil"
)

// watermarkWatcher samples the watermark pair until stopped and records
// any sample that goes backwards or has previous ahead of current.
type watermarkWatcher struct {
	stop chan struct{}
	done chan struct{}

	mu         sync.Mutex
	violations []string
	samples    int
}

func watchWatermarks(l *Loader) *watermarkWatcher {
	w := &watermarkWatcher{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		lastPrev, lastCur := 0, 0
		for {
			select {
			case <-w.stop:
				return
			default:
			}
			prev, cur := l.Watermarks()
			w.mu.Lock()
			w.samples++
			if prev > cur {
				w.violations = append(w.violations, "previous ahead of current")
			}
			if prev < lastPrev || cur < lastCur {
				w.violations = append(w.violations, "watermark went backwards")
			}
			w.mu.Unlock()
			lastPrev, lastCur = prev, cur
			time.Sleep(50 * time.Microsecond)
		}
	}()
	return w
}

func (w *watermarkWatcher) Stop() ([]string, int) {
	close(w.stop)
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.violations, w.samples
}

func TestRandomizedInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 12; seed++ {
		seed := seed
		t.Run("", func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			v := testutil.Synth(t, archive.SynthOptions{
				Roots:      30 + rng.Intn(60),
				ListLength: 1 + rng.Intn(8),
				Strings:    rng.Intn(6),
				Cycles:     rng.Intn(2) == 0,
				NullRoots:  rng.Intn(2) == 0,
				Seed:       seed,
			})
			h := testutil.NewHeap(0)
			eager := rng.Intn(2) == 0
			l := newTestLoader(t, v, h, Options{
				EagerLoading:       eager,
				MinBatchObjects:    1 + rng.Intn(24),
				BootstrapMaxMemory: prelinkedFloorBytes + int64(rng.Intn(400))*8,
			})
			watcher := watchWatermarks(l)

			ctx := context.Background()
			require.NoError(t, l.Initialize(ctx))

			requests := make([][]int, 4)
			for i := range requests {
				for n := 0; n < 20; n++ {
					requests[i] = append(requests[i], rng.Intn(v.RootCount()))
				}
			}
			enableAfter := rng.Intn(20)

			g, gctx := errgroup.WithContext(ctx)
			for _, rs := range requests {
				rs := rs
				g.Go(func() error {
					for _, r := range rs {
						l.GetRoot(gctx, r)
					}
					return nil
				})
			}
			g.Go(func() error {
				time.Sleep(time.Duration(enableAfter) * 100 * time.Microsecond)
				l.EnableGC(gctx)
				return nil
			})
			g.Go(func() error {
				l.FinishMaterializeObjects(gctx)
				return nil
			})
			require.NoError(t, g.Wait())
			l.FinishMaterializeObjects(ctx)
			waitDone(t, l)

			violations, samples := watcher.Stop()
			assert.Empty(t, violations)
			assert.Greater(t, samples, 0)

			require.NoError(t, l.Err())
			assert.Equal(t, v.ObjectCount(), l.allocated.Count(), "eager=%v", eager)
			assert.Equal(t, int64(v.ObjectCount()+1), h.Allocations())
			assert.Equal(t, 0, h.Handles().Live())
			testutil.AssertNoWildRefs(t, h.Scan())
			assertVerified(t, v, h, l)
		})
	}
}
