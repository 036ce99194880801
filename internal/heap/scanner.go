package heap

import (
	"sync"
	"time"
)

// WildRef is a reference field holding something other than null or a live
// object address.
type WildRef struct {
	Object Address
	Word   int
	Value  uint64
}

// ScanReport summarizes one or more scanning passes.
type ScanReport struct {
	Passes  int
	Objects int64
	Refs    int64
	Wild    []WildRef
}

// Scan walks every reference field of every object once, the way a
// collector's marking pass would.
func (h *Heap) Scan() ScanReport {
	var r ScanReport
	r.Passes = 1
	for _, obj := range h.snapshot() {
		r.Objects++
		obj.typ.EachRef(obj.length, func(w int) {
			r.Refs++
			v := obj.Load(w)
			if v != 0 && !h.Contains(Address(v)) {
				r.Wild = append(r.Wild, WildRef{Object: obj.addr, Word: w, Value: v})
			}
		})
	}
	return r
}

// Scanner scans the heap repeatedly while the collector is enabled.
type Scanner struct {
	heap     *Heap
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	report ScanReport
}

// StartScanner launches a background scanner.
func (h *Heap) StartScanner(interval time.Duration) *Scanner {
	s := &Scanner{
		heap:     h,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scanner) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.heap.GCEnabled() {
				continue
			}
			pass := s.heap.Scan()
			s.mu.Lock()
			s.report.Passes++
			s.report.Objects += pass.Objects
			s.report.Refs += pass.Refs
			s.report.Wild = append(s.report.Wild, pass.Wild...)
			s.mu.Unlock()
		}
	}
}

// Stop halts the scanner and returns the accumulated report.
func (s *Scanner) Stop() ScanReport {
	close(s.stop)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}
