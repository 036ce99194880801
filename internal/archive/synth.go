package archive

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/heapstream/internal/layout"
)

// DefaultMetadataBase is the metadata base synthesized archives assume.
const DefaultMetadataBase uint64 = 0x800000000

// Types used by synthesized archives.
var (
	// TypeNode has two reference fields (next, other) and two data words.
	TypeNode = &layout.Type{ID: 1, Name: "Node", Kind: layout.KindInstance, SizeWords: 6, RefWords: []int{2, 3}, MetadataOffset: -1}
	// TypeBytes is a primitive byte array.
	TypeBytes = &layout.Type{ID: 2, Name: "[B", Kind: layout.KindArray, ElemBytes: 1, MetadataOffset: -1}
	// TypeString holds a value array reference and a cached hash.
	TypeString = &layout.Type{ID: 3, Name: "String", Kind: layout.KindInstance, SizeWords: 4, String: true, ValueOffset: 2, RefWords: []int{2}, MetadataOffset: -1}
	// TypeObjects is a reference array.
	TypeObjects = &layout.Type{ID: 4, Name: "[Object", Kind: layout.KindArray, ElemBytes: layout.WordSize, RefElems: true, MetadataOffset: -1}
	// TypeMirror carries one reference and a metadata pointer.
	TypeMirror = &layout.Type{ID: 5, Name: "Class", Kind: layout.KindMirror, SizeWords: 4, RefWords: []int{2}, MetadataOffset: 3}
	// TypeBlob is a variable-size instance whose size is stored before it.
	TypeBlob = &layout.Type{ID: 6, Name: "Blob", Kind: layout.KindInstance, SlowPath: true, RefWords: []int{2}, MetadataOffset: -1}
)

// NewStringNode returns a string node and its value array node.
func NewStringNode(s string, intern bool) *Node {
	return NewStringOver(NewBytesNode(s), intern)
}

// NewBytesNode returns a byte array holding s.
func NewBytesNode(s string) *Node {
	return &Node{Type: TypeBytes, Length: len(s), Data: packBytes([]byte(s))}
}

// NewStringOver returns a string whose value is the existing byte array
// value, which may be shared with other strings or objects.
func NewStringOver(value *Node, intern bool) *Node {
	h := fnv.New64a()
	_, _ = h.Write(unpackBytes(value.Data, value.Length))
	str := &Node{Type: TypeString, Data: []uint64{0, h.Sum64()}, Intern: intern}
	return str.SetRef(TypeString.ValueOffset, value)
}

// NewListNode returns a Node carrying the given data words.
func NewListNode(a, b uint64) *Node {
	return &Node{Type: TypeNode, Data: []uint64{0, 0, a, b}}
}

// NewObjectArray returns a reference array over elems.
func NewObjectArray(elems ...*Node) *Node {
	n := &Node{Type: TypeObjects, Length: len(elems)}
	for i, e := range elems {
		if e != nil {
			n.SetRef(TypeObjects.HeaderWords()+i, e)
		}
	}
	return n
}

// NewMirror returns a mirror whose metadata word is base+offset.
func NewMirror(base, offset uint64, ref *Node) *Node {
	n := &Node{Type: TypeMirror, Data: []uint64{0, base + offset}}
	if ref != nil {
		n.SetRef(2, ref)
	}
	return n
}

// NewBlob returns a slow-path instance of sizeWords words.
func NewBlob(sizeWords int, ref *Node, fill uint64) *Node {
	n := &Node{Type: TypeBlob, SizeWords: sizeWords}
	n.Data = make([]uint64, sizeWords-TypeBlob.HeaderWords())
	for i := 1; i < len(n.Data); i++ {
		n.Data[i] = fill + uint64(i)
	}
	if ref != nil {
		n.SetRef(2, ref)
	}
	return n
}

func packBytes(b []byte) []uint64 {
	words := make([]uint64, (len(b)+7)/8)
	for i, c := range b {
		words[i/8] |= uint64(c) << (8 * (i % 8))
	}
	return words
}

func unpackBytes(words []uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(words[i/8] >> (8 * (i % 8)))
	}
	return b
}

// SynthOptions shapes a synthesized archive.
type SynthOptions struct {
	Roots      int
	ListLength int
	// Strings is the size of the string pool. Every string is archived
	// twice so interning has duplicates to fold.
	Strings   int
	Cycles    bool
	NullRoots bool
	Seed      int64
}

// Synthesize builds an archive exercising every object kind: linked lists
// with shared tails, reference arrays, mirrors, slow-path blobs and
// interned strings.
func Synthesize(opts SynthOptions) (*Builder, error) {
	if opts.Roots <= 0 {
		return nil, fmt.Errorf("roots must be positive, got %d", opts.Roots)
	}
	if opts.ListLength <= 0 {
		opts.ListLength = 1
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	pool := make([]string, opts.Strings)
	for i := range pool {
		pool[i] = fmt.Sprintf("str-%d-%x", i, rng.Uint32())
	}

	g := &Graph{}
	var shared []*Node
	for r := 0; r < opts.Roots; r++ {
		if opts.NullRoots && r%7 == 6 {
			g.AddRoot(nil)
			continue
		}
		switch r % 4 {
		case 0:
			head := NewListNode(uint64(r), 0)
			cur := head
			for i := 1; i < opts.ListLength; i++ {
				next := NewListNode(uint64(r), uint64(i))
				cur.SetRef(2, next)
				cur = next
			}
			if opts.Cycles {
				cur.SetRef(2, head)
			}
			if len(shared) > 0 {
				cur.SetRef(3, shared[rng.Intn(len(shared))])
			}
			shared = append(shared, head)
			g.AddRoot(head)
		case 1:
			elems := make([]*Node, opts.ListLength/2+1)
			for i := range elems {
				switch {
				case len(pool) > 0 && i%2 == 0:
					elems[i] = NewStringNode(pool[rng.Intn(len(pool))], true)
				case len(shared) > 0:
					elems[i] = shared[rng.Intn(len(shared))]
				}
			}
			g.AddRoot(NewObjectArray(elems...))
		case 2:
			var target *Node
			if len(shared) > 0 {
				target = shared[rng.Intn(len(shared))]
			}
			blob := NewBlob(layout.AlignUp(4+rng.Intn(12)), target, uint64(r)<<8)
			g.AddRoot(NewMirror(DefaultMetadataBase, uint64(r+1)*0x40, blob))
		default:
			if len(pool) == 0 {
				g.AddRoot(NewListNode(uint64(r), 1))
				continue
			}
			g.AddRoot(NewStringNode(pool[r%len(pool)], true))
		}
	}

	b := NewBuilder()
	b.SetRequestedMetadataBase(DefaultMetadataBase)
	if err := g.Build(b); err != nil {
		return nil, err
	}
	return b, nil
}
