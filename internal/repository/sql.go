package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/model"
)

const loadRunColumns = `run_id, archive, mode, status, COALESCE(error, ''), objects, roots,
	buffer_bytes, requests, stats, phases, verification, started_at, finished_at`

// SQLLoadRunRepository implements LoadRunRepository on database/sql for
// deployments that do not go through GORM.
type SQLLoadRunRepository struct {
	db      *sql.DB
	dialect DBType
}

// NewSQLLoadRunRepository creates a repository speaking dialect's
// placeholder syntax.
func NewSQLLoadRunRepository(db *sql.DB, dialect DBType) *SQLLoadRunRepository {
	return &SQLLoadRunRepository{db: db, dialect: dialect}
}

// rebind rewrites ? placeholders to $n for postgres.
func (r *SQLLoadRunRepository) rebind(query string) string {
	if r.dialect != DBTypePostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

// Create stores a finished run.
func (r *SQLLoadRunRepository) Create(ctx context.Context, report *model.LoadReport) error {
	row, err := NewLoadRun(report)
	if err != nil {
		return err
	}
	query := r.rebind(`
		INSERT INTO load_runs (run_id, archive, mode, status, error, objects, roots,
			buffer_bytes, requests, stats, phases, verification, started_at, finished_at, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		row.RunID, row.Archive, row.Mode, row.Status, row.Error, row.Objects, row.Roots,
		row.BufferBytes, row.Requests, row.Stats, row.Phases, row.Verification,
		row.StartedAt, row.FinishedAt, time.Now(),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to insert load run", err)
	}
	return nil
}

// GetByRunID retrieves a run by its run id.
func (r *SQLLoadRunRepository) GetByRunID(ctx context.Context, runID string) (*model.LoadReport, error) {
	query := r.rebind(`SELECT ` + loadRunColumns + ` FROM load_runs WHERE run_id = ?`)
	row, err := scanLoadRun(r.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "load run not found: %s", runID)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get load run", err)
	}
	return row.ToModel()
}

// ListRecent returns the most recently started runs, newest first.
func (r *SQLLoadRunRepository) ListRecent(ctx context.Context, limit int) ([]*model.LoadReport, error) {
	query := r.rebind(`SELECT ` + loadRunColumns + ` FROM load_runs ORDER BY started_at DESC, id DESC LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list load runs", err)
	}
	defer rows.Close()

	var reports []*model.LoadReport
	for rows.Next() {
		row, err := scanLoadRun(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to scan load run", err)
		}
		report, err := row.ToModel()
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list load runs", err)
	}
	return reports, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLoadRun(s scanner) (*LoadRun, error) {
	row := &LoadRun{}
	err := s.Scan(
		&row.RunID, &row.Archive, &row.Mode, &row.Status, &row.Error, &row.Objects, &row.Roots,
		&row.BufferBytes, &row.Requests, &row.Stats, &row.Phases, &row.Verification,
		&row.StartedAt, &row.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return row, nil
}
