package heap

import (
	"sort"
	"sync"
	"sync/atomic"

	apperrors "github.com/heapstream/pkg/errors"
)

// Handle is an indirection cell the collector keeps up to date.
// The zero Handle is invalid.
type Handle uint64

// HandleStorage hands out handles. Released handles are recycled.
type HandleStorage struct {
	mu       sync.RWMutex
	slots    []Address
	free     []Handle
	live     int
	released atomic.Int64
}

// NewHandleStorage creates empty handle storage.
func NewHandleStorage() *HandleStorage {
	return &HandleStorage{}
}

// Allocate returns a handle initialized to a.
func (s *HandleStorage) Allocate(a Address) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live++
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[h-1] = a
		return h
	}
	s.slots = append(s.slots, a)
	return Handle(len(s.slots))
}

// Resolve returns the address stored in h.
func (s *HandleStorage) Resolve(h Handle) Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h == 0 || int(h) > len(s.slots) {
		return Null
	}
	return s.slots[h-1]
}

// Store overwrites the address stored in h.
func (s *HandleStorage) Store(h Handle, a Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h != 0 && int(h) <= len(s.slots) {
		s.slots[h-1] = a
	}
}

// Release frees handles in bulk. The input is sorted in place so the free
// list is rebuilt in address order.
func (s *HandleStorage) Release(handles []Handle) error {
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range handles {
		if h == 0 || int(h) > len(s.slots) || (i > 0 && handles[i-1] == h) {
			return apperrors.Newf(apperrors.CodeProtocol, "release of invalid handle %d", h)
		}
	}
	for i := len(handles) - 1; i >= 0; i-- {
		s.slots[handles[i]-1] = Null
		s.free = append(s.free, handles[i])
	}
	s.live -= len(handles)
	s.released.Add(int64(len(handles)))
	return nil
}

// Live returns the number of allocated, unreleased handles.
func (s *HandleStorage) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Released returns the total number of handles ever released.
func (s *HandleStorage) Released() int64 {
	return s.released.Load()
}
