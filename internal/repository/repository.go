// Package repository records load runs in a relational database.
package repository

import (
	"context"

	"github.com/heapstream/pkg/model"
)

// LoadRunRepository persists load reports.
type LoadRunRepository interface {
	// Create stores a finished run.
	Create(ctx context.Context, report *model.LoadReport) error

	// GetByRunID retrieves a run by its run id.
	GetByRunID(ctx context.Context, runID string) (*model.LoadReport, error)

	// ListRecent returns the most recently started runs, newest first.
	ListRecent(ctx context.Context, limit int) ([]*model.LoadReport, error)
}
