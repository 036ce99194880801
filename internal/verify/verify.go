// Package verify checks a materialized object graph against its archive.
package verify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/heapstream/internal/archive"
	"github.com/heapstream/internal/heap"
	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/collections"
	"github.com/heapstream/pkg/model"
	"github.com/heapstream/pkg/parallel"
)

// maxProblems caps the number of problems reported.
const maxProblems = 100

// Heap is the materialized heap being checked.
type Heap interface {
	Object(a heap.Address) *heap.Object
	Metadata() heap.MetadataSpace
	Scan() heap.ScanReport
}

// RootFunc returns the materialized value of a root.
type RootFunc func(ctx context.Context, r int) heap.Address

// Roots walks every root's archived closure alongside the materialized
// graph. It checks payload words, reference resolution, index identity and
// finally scans the heap for wild references.
func Roots(ctx context.Context, view *archive.View, h Heap, getRoot RootFunc, workers int) (model.VerifyReport, error) {
	c := &checker{
		view:  view,
		heap:  h,
		delta: h.Metadata().Base - view.RequestedMetadataBase(),
		seen:  make(map[int]heap.Address),
	}

	roots := make([]int, view.RootCount())
	for r := range roots {
		roots[r] = r
	}
	pool := parallel.NewWorkerPool[int, int](parallel.DefaultPoolConfig().WithWorkers(workers))
	results := pool.ExecuteFunc(ctx, roots, func(ctx context.Context, r int) (int, error) {
		return c.checkRoot(ctx, r, getRoot), nil
	})

	report := model.VerifyReport{}
	for _, res := range results {
		if res.Skipped {
			return report, ctx.Err()
		}
		report.RootsChecked++
	}

	for _, w := range h.Scan().Wild {
		c.problem("wild reference %#x in word %d of %s", w.Value, w.Word, w.Object)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	report.ObjectsChecked = len(c.seen)
	report.Problems = c.problems
	sort.Strings(report.Problems)
	return report, nil
}

type checker struct {
	view  *archive.View
	heap  Heap
	delta uint64

	mu       sync.Mutex
	seen     map[int]heap.Address
	problems []string
}

type pending struct {
	index int
	addr  heap.Address
}

func (c *checker) problem(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.problems) < maxProblems {
		c.problems = append(c.problems, fmt.Sprintf(format, args...))
	}
}

// bind records that index i materialized at a. It reports whether this is
// the first sighting of i.
func (c *checker) bind(i int, a heap.Address) bool {
	c.mu.Lock()
	prev, ok := c.seen[i]
	if !ok {
		c.seen[i] = a
	}
	c.mu.Unlock()
	if ok && prev != a {
		c.problem("object %d materialized twice: %s and %s", i, prev, a)
	}
	return !ok
}

func (c *checker) checkRoot(ctx context.Context, r int, getRoot RootFunc) int {
	entry := c.view.RootObject(r)
	value := getRoot(ctx, r)
	if entry == 0 {
		if !value.IsNull() {
			c.problem("root %d: null root materialized as %s", r, value)
		}
		return 0
	}
	if value.IsNull() {
		c.problem("root %d: entry object %d unresolved", r, entry)
		return 0
	}

	checked := 0
	queue := collections.NewQueue[pending](16)
	queue.Enqueue(pending{index: entry, addr: value})
	for !queue.IsEmpty() {
		p, _ := queue.Dequeue()
		if !c.bind(p.index, p.addr) {
			continue
		}
		checked++
		c.checkObject(p.index, p.addr, queue)
	}
	return checked
}

func (c *checker) checkObject(i int, a heap.Address, queue *collections.Queue[pending]) {
	obj := c.heap.Object(a)
	if obj == nil {
		c.problem("object %d: %s is not a heap object", i, a)
		return
	}
	t := c.view.Type(i)
	if obj.Type().ID != t.ID {
		c.problem("object %d: type %s materialized as %s", i, t.Name, obj.Type().Name)
		return
	}
	size := c.view.SizeWords(i)
	if obj.SizeWords() != size {
		c.problem("object %d: %d words materialized as %d", i, size, obj.SizeWords())
		return
	}
	if t.IsArray() && obj.Length() != c.view.Length(i) {
		c.problem("object %d: length %d materialized as %d", i, c.view.Length(i), obj.Length())
	}

	// A canonical string may come from another index; only its contents
	// have to match.
	if c.view.IsInterned(i) {
		c.checkInterned(i, obj)
		return
	}

	base := int(c.view.Offset(i) / layout.WordSize)
	oopmap := c.view.Oopmap()
	for w := t.HeaderWords(); w < size; w++ {
		raw := c.view.ObjectWord(i, w)
		got := obj.Load(w)
		switch {
		case oopmap.Test(base + w):
			switch {
			case raw == 0 && got != 0:
				c.problem("object %d word %d: null reference materialized as %#x", i, w, got)
			case raw != 0 && got == 0:
				c.problem("object %d word %d: reference to %d unresolved", i, w, raw)
			case raw != 0:
				queue.Enqueue(pending{index: int(raw), addr: heap.Address(got)})
			}
		case w == t.MetadataOffset:
			want := raw
			if raw != 0 {
				want = raw + c.delta
			}
			if got != want {
				c.problem("object %d word %d: metadata %#x, want %#x", i, w, got, want)
			}
		case got != raw:
			c.problem("object %d word %d: %#x, want %#x", i, w, got, raw)
		}
	}
}

func (c *checker) checkInterned(i int, obj *heap.Object) {
	if !obj.IsInterned() {
		c.problem("string %d: %s is not canonical", i, obj.Address())
	}
	value := c.heap.Object(obj.LoadRef(obj.Type().ValueOffset))
	if value == nil {
		c.problem("string %d: value array unresolved", i)
		return
	}
	v := c.view.ValueIndex(i)
	want := make([]byte, c.view.Length(v)*c.view.Type(v).ElemBytes)
	words := make([]uint64, c.view.SizeWords(v)-c.view.Type(v).HeaderWords())
	c.view.CopyWords(words, c.view.Offset(v)+int64(c.view.Type(v).HeaderWords())*layout.WordSize)
	for b := range want {
		want[b] = byte(words[b/layout.WordSize] >> (8 * (b % layout.WordSize)))
	}
	if got := value.Bytes(); string(got) != string(want) {
		c.problem("string %d: contents %q, want %q", i, got, want)
	}
}
