package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/model"
)

// GormLoadRunRepository implements LoadRunRepository using GORM.
type GormLoadRunRepository struct {
	db *gorm.DB
}

// NewGormLoadRunRepository creates a new GormLoadRunRepository.
func NewGormLoadRunRepository(db *gorm.DB) *GormLoadRunRepository {
	return &GormLoadRunRepository{db: db}
}

// Create stores a finished run.
func (r *GormLoadRunRepository) Create(ctx context.Context, report *model.LoadReport) error {
	row, err := NewLoadRun(report)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to create load run", err)
	}
	return nil
}

// GetByRunID retrieves a run by its run id.
func (r *GormLoadRunRepository) GetByRunID(ctx context.Context, runID string) (*model.LoadReport, error) {
	var row LoadRun
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "load run not found: %s", runID)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get load run", err)
	}
	return row.ToModel()
}

// ListRecent returns the most recently started runs, newest first.
func (r *GormLoadRunRepository) ListRecent(ctx context.Context, limit int) ([]*model.LoadReport, error) {
	var rows []LoadRun
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list load runs", err)
	}

	reports := make([]*model.LoadReport, 0, len(rows))
	for i := range rows {
		report, err := rows[i].ToModel()
		if err != nil {
			return nil, fmt.Errorf("failed to decode load run: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
