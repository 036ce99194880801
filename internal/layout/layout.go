// Package layout describes how archived and heap objects are laid out in words.
//
// Every object starts with a mark word and a type word. Arrays carry a third
// header word holding the element count. Object sizes are rounded up to
// MinAlignmentWords.
package layout

import (
	"fmt"
	"math"
)

const (
	// WordSize is the size in bytes of one heap word and one reference.
	WordSize = 8

	// MinAlignmentWords is the object alignment, in words.
	MinAlignmentWords = 2

	// MarkWord is the header word carrying flag bits.
	MarkWord = 0
	// TypeWord is the header word carrying the type id.
	TypeWord = 1
	// LengthWord is the array header word carrying the element count.
	LengthWord = 2

	// InternMark on the mark word asks for the string to be interned after
	// materialization.
	InternMark uint64 = 1

	// MaxObjectWords bounds the size of any single object.
	MaxObjectWords = math.MaxInt32
)

// Kind is the closed set of allocation shapes.
type Kind uint8

const (
	KindInstance Kind = 1
	KindArray    Kind = 2
	KindMirror   Kind = 3
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindArray:
		return "array"
	case KindMirror:
		return "mirror"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindInstance && k <= KindMirror
}

// Type is a type descriptor shared by the archive and the heap.
type Type struct {
	ID   uint32
	Name string
	Kind Kind

	// SizeWords is the fixed size of instances and mirrors, header included.
	SizeWords int
	// SlowPath instances store their size in the word preceding the object.
	SlowPath bool

	// ElemBytes is the element size of arrays.
	ElemBytes int
	// RefElems arrays hold one reference per element.
	RefElems bool

	// MetadataOffset is the word holding a metadata pointer, or -1.
	MetadataOffset int

	// String types are candidates for interning. ValueOffset is the word of
	// the reference to the backing value array.
	String      bool
	ValueOffset int

	// RefWords lists reference word positions of instances and mirrors.
	RefWords []int
}

// HeaderWords returns the number of header words.
func (t *Type) HeaderWords() int {
	if t.Kind == KindArray {
		return 3
	}
	return 2
}

// IsArray reports whether the type is an array type.
func (t *Type) IsArray() bool {
	return t.Kind == KindArray
}

// ArraySizeWords returns the aligned size of an array of the given length.
func (t *Type) ArraySizeWords(length int) (int, error) {
	if length < 0 {
		return 0, fmt.Errorf("negative array length %d", length)
	}
	payloadBytes := uint64(length) * uint64(t.ElemBytes)
	words := uint64(t.HeaderWords()) + (payloadBytes+WordSize-1)/WordSize
	words = uint64(AlignUp(int(min(words, MaxObjectWords))))
	if words > MaxObjectWords {
		return 0, fmt.Errorf("array of %d x %d bytes exceeds %d words", length, t.ElemBytes, MaxObjectWords)
	}
	return int(words), nil
}

// EachRef calls fn for every reference word of an object of this type.
// length is only consulted for arrays.
func (t *Type) EachRef(length int, fn func(word int)) {
	if t.Kind == KindArray {
		if !t.RefElems {
			return
		}
		for i := 0; i < length; i++ {
			fn(t.HeaderWords() + i)
		}
		return
	}
	for _, w := range t.RefWords {
		fn(w)
	}
}

// Validate checks the descriptor's internal consistency.
func (t *Type) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("type %d (%s): invalid kind %d", t.ID, t.Name, t.Kind)
	}
	if t.Kind == KindArray {
		if t.ElemBytes <= 0 {
			return fmt.Errorf("type %d (%s): array element size must be positive", t.ID, t.Name)
		}
		if t.RefElems && t.ElemBytes != WordSize {
			return fmt.Errorf("type %d (%s): reference elements must be %d bytes", t.ID, t.Name, WordSize)
		}
		if len(t.RefWords) > 0 || t.String || t.MetadataOffset >= 0 {
			return fmt.Errorf("type %d (%s): arrays carry no fixed fields", t.ID, t.Name)
		}
		return nil
	}

	if !t.SlowPath && (t.SizeWords < t.HeaderWords() || t.SizeWords%MinAlignmentWords != 0) {
		return fmt.Errorf("type %d (%s): bad instance size %d", t.ID, t.Name, t.SizeWords)
	}
	seen := make(map[int]bool, len(t.RefWords))
	for _, w := range t.RefWords {
		if w < t.HeaderWords() || (!t.SlowPath && w >= t.SizeWords) || seen[w] {
			return fmt.Errorf("type %d (%s): bad reference word %d", t.ID, t.Name, w)
		}
		seen[w] = true
	}
	if t.MetadataOffset >= 0 {
		if t.MetadataOffset < t.HeaderWords() || seen[t.MetadataOffset] ||
			(!t.SlowPath && t.MetadataOffset >= t.SizeWords) {
			return fmt.Errorf("type %d (%s): bad metadata word %d", t.ID, t.Name, t.MetadataOffset)
		}
	}
	if t.String && (len(t.RefWords) != 1 || t.RefWords[0] != t.ValueOffset) {
		return fmt.Errorf("type %d (%s): string types hold exactly the value reference", t.ID, t.Name)
	}
	return nil
}

// AlignUp rounds words up to MinAlignmentWords.
func AlignUp(words int) int {
	return (words + MinAlignmentWords - 1) &^ (MinAlignmentWords - 1)
}
