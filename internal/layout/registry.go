package layout

import (
	"fmt"
	"sort"
)

// RootsArrayTypeID is reserved for the heap array that publishes roots.
const RootsArrayTypeID uint32 = 0xFFFFFFFF

// RootsArrayType describes the published roots array.
var RootsArrayType = &Type{
	ID:             RootsArrayTypeID,
	Name:           "[Lroot;",
	Kind:           KindArray,
	ElemBytes:      WordSize,
	RefElems:       true,
	MetadataOffset: -1,
}

// Registry maps type ids to descriptors.
type Registry struct {
	byID map[uint32]*Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint32]*Type)}
}

// Register validates and adds t.
func (r *Registry) Register(t *Type) error {
	if t.ID == RootsArrayTypeID {
		return fmt.Errorf("type id %#x is reserved", t.ID)
	}
	if _, dup := r.byID[t.ID]; dup {
		return fmt.Errorf("duplicate type id %d", t.ID)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	r.byID[t.ID] = t
	return nil
}

// Lookup returns the type with the given id.
func (r *Registry) Lookup(id uint32) (*Type, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Types returns all types ordered by id.
func (r *Registry) Types() []*Type {
	out := make([]*Type, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
