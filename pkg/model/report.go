// Package model holds the data transfer objects printed and persisted by heapstream.
package model

import (
	"sort"
	"time"
)

// LoadStatus is the outcome of a load run.
type LoadStatus string

const (
	LoadStatusSucceeded LoadStatus = "succeeded"
	LoadStatusFailed    LoadStatus = "failed"
)

// LoadMode says which thread drove materialization.
type LoadMode string

const (
	LoadModeEager      LoadMode = "eager"
	LoadModeBackground LoadMode = "background"
)

// LoadReport summarizes one load run.
type LoadReport struct {
	RunID      string     `json:"run_id"`
	Archive    string     `json:"archive"`
	Mode       LoadMode   `json:"mode"`
	Status     LoadStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	Objects     int   `json:"objects"`
	Roots       int   `json:"roots"`
	BufferBytes int64 `json:"buffer_bytes"`

	Stats    LoaderStats      `json:"stats"`
	PhasesMS map[string]int64 `json:"phases_ms,omitempty"`

	Requests     int64         `json:"root_requests"`
	Verification *VerifyReport `json:"verification,omitempty"`
}

// Duration returns the wall time of the run.
func (r *LoadReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// LoaderStats are counters maintained by the loader.
type LoaderStats struct {
	Batches             int64 `json:"batches"`
	CarefulBatches      int64 `json:"careful_batches"`
	ObjectsByBatch      int64 `json:"objects_by_batch"`
	ObjectsByTracer     int64 `json:"objects_by_tracer"`
	TracerCalls         int64 `json:"tracer_calls"`
	TracerWaits         int64 `json:"tracer_waits"`
	InternedStrings     int64 `json:"interned_strings"`
	AllocatedWords      int64 `json:"allocated_words"`
	UpgradedHandles     int64 `json:"upgraded_handles"`
	BudgetExhausted     bool  `json:"budget_exhausted"`
	HandlesReleased     int64 `json:"handles_released"`
	ArchiveBytesMapped  int64 `json:"archive_bytes_mapped"`
	ArchiveReleasedAtMS int64 `json:"archive_released_at_ms,omitempty"`
}

// VerifyReport is the result of checking a materialized graph against its archive.
type VerifyReport struct {
	RootsChecked   int      `json:"roots_checked"`
	ObjectsChecked int      `json:"objects_checked"`
	Problems       []string `json:"problems,omitempty"`
}

// OK reports whether verification found no problems.
func (v *VerifyReport) OK() bool {
	return len(v.Problems) == 0
}

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Index     int    `json:"index"`
	Offset    int64  `json:"offset"`
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	SizeWords int    `json:"size_words"`
	Length    int    `json:"length,omitempty"`
	Refs      int    `json:"refs"`
	Interned  bool   `json:"interned,omitempty"`
	Roots     []int  `json:"roots,omitempty"`
}

// TypeCount aggregates objects of one type.
type TypeCount struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Objects int64  `json:"objects"`
	Words   int64  `json:"words"`
}

// SortTypeCounts flattens a histogram, largest word count first.
func SortTypeCounts[K comparable](m map[K]*TypeCount) []TypeCount {
	out := make([]TypeCount, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Words != out[j].Words {
			return out[i].Words > out[j].Words
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ArchiveSummary is what `inspect` prints.
type ArchiveSummary struct {
	Path        string       `json:"path"`
	Compression string       `json:"compression"`
	Version     uint32       `json:"version"`
	Objects     int          `json:"objects"`
	Roots       int          `json:"roots"`
	BufferBytes int64        `json:"buffer_bytes"`
	RefWords    int          `json:"ref_words"`
	Types       []TypeCount  `json:"types"`
	RootHighest []int        `json:"root_highest"`
	Sample      []ObjectInfo `json:"sample,omitempty"`
}
