package archive

import (
	"sort"

	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/collections"
)

// Node is an object in an in-memory object graph.
type Node struct {
	Type      *layout.Type
	Length    int
	SizeWords int
	// Data holds the payload words after the header. Reference words are
	// taken from Refs instead.
	Data []uint64
	// Refs maps object word positions to referenced nodes.
	Refs   map[int]*Node
	Intern bool
}

// SetRef points word w of n at target.
func (n *Node) SetRef(w int, target *Node) *Node {
	if n.Refs == nil {
		n.Refs = make(map[int]*Node)
	}
	n.Refs[w] = target
	return n
}

// Graph is a set of roots over Nodes. Nodes reachable from several roots
// are archived once.
type Graph struct {
	Roots []*Node
}

// AddRoot appends a root. A nil node is a null root.
func (g *Graph) AddRoot(n *Node) {
	g.Roots = append(g.Roots, n)
}

// Build numbers the graph in depth-first pre-order, one root at a time,
// and appends the objects and roots to b.
func (g *Graph) Build(b *Builder) error {
	index := make(map[*Node]int)
	var order []*Node
	stack := collections.NewStack[*Node](64)

	type span struct{ entry, highest int }
	spans := make([]span, 0, len(g.Roots))

	for _, root := range g.Roots {
		if root != nil {
			stack.Push(root)
		}
		for !stack.IsEmpty() {
			n, _ := stack.Pop()
			if _, seen := index[n]; seen {
				continue
			}
			order = append(order, n)
			index[n] = len(order)

			words := refWords(n)
			for i := len(words) - 1; i >= 0; i-- {
				child := n.Refs[words[i]]
				if _, seen := index[child]; child != nil && !seen {
					stack.Push(child)
				}
			}
		}
		spans = append(spans, span{entry: index[root], highest: len(order)})
	}

	base := b.ObjectCount()
	for _, n := range order {
		if !b.HasType(n.Type) {
			if err := b.AddType(n.Type); err != nil {
				return err
			}
		}
		h := n.Type.HeaderWords()
		payload := make([]uint64, max(len(n.Data), maxRefWord(n)+1-h))
		copy(payload, n.Data)
		n.Type.EachRef(n.Length, func(w int) {
			if w-h >= len(payload) {
				return
			}
			payload[w-h] = 0
			if target := n.Refs[w]; target != nil {
				payload[w-h] = uint64(base + index[target])
			}
		})
		b.AddObject(Object{
			Type:      n.Type,
			Length:    n.Length,
			SizeWords: n.SizeWords,
			Payload:   payload,
			Intern:    n.Intern,
		})
	}
	for _, s := range spans {
		entry := s.entry
		if entry != 0 {
			entry += base
		}
		b.AddRoot(entry, base+s.highest)
	}
	return nil
}

// refWords returns the populated reference words of n in ascending order.
func refWords(n *Node) []int {
	words := make([]int, 0, len(n.Refs))
	n.Type.EachRef(n.Length, func(w int) {
		if n.Refs[w] != nil {
			words = append(words, w)
		}
	})
	sort.Ints(words)
	return words
}

func maxRefWord(n *Node) int {
	m := -1
	for w := range n.Refs {
		m = max(m, w)
	}
	return m
}
