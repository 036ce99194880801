package heap

import (
	"sync"

	"github.com/heapstream/internal/layout"
	apperrors "github.com/heapstream/pkg/errors"
)

// interner maps string contents to canonical string objects.
type interner struct {
	mu    sync.Mutex
	table map[string]Address
}

func newInterner() *interner {
	return &interner{table: make(map[string]Address)}
}

func (in *interner) intern(h *Heap, s Address) (Address, error) {
	key, err := internKey(h, s)
	if err != nil {
		return Null, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if canonical, ok := in.table[key]; ok {
		return canonical, nil
	}
	obj := h.Object(s)
	obj.Store(layout.MarkWord, obj.Load(layout.MarkWord)|layout.InternMark)
	in.table[key] = s
	return s, nil
}

func (in *interner) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.table)
}

// internKey is the type name followed by the value array bytes.
func internKey(h *Heap, s Address) (string, error) {
	obj := h.Object(s)
	if obj == nil {
		return "", apperrors.Newf(apperrors.CodeInvalidInput, "intern of non-heap address %s", s)
	}
	if !obj.typ.String {
		return "", apperrors.Newf(apperrors.CodeInvalidInput, "intern of non-string type %s", obj.typ.Name)
	}
	value := h.Object(obj.LoadRef(obj.typ.ValueOffset))
	if value == nil {
		return "", apperrors.Newf(apperrors.CodeInvalidInput, "string %s has no value array", s)
	}
	return obj.typ.Name + "\x00" + string(value.Bytes()), nil
}
