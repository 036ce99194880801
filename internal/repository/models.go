package repository

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heapstream/pkg/model"
)

// LoadRun represents the load_runs table.
type LoadRun struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RunID        string    `gorm:"column:run_id;type:varchar(64);uniqueIndex"`
	Archive      string    `gorm:"column:archive;type:varchar(512)"`
	Mode         string    `gorm:"column:mode;type:varchar(16)"`
	Status       string    `gorm:"column:status;type:varchar(16);index"`
	Error        string    `gorm:"column:error;type:text"`
	Objects      int       `gorm:"column:objects"`
	Roots        int       `gorm:"column:roots"`
	BufferBytes  int64     `gorm:"column:buffer_bytes"`
	Requests     int64     `gorm:"column:requests"`
	Stats        JSONField `gorm:"column:stats;type:json"`
	Phases       JSONField `gorm:"column:phases;type:json"`
	Verification JSONField `gorm:"column:verification;type:json"`
	StartedAt    time.Time `gorm:"column:started_at;index"`
	FinishedAt   time.Time `gorm:"column:finished_at"`
	CreateTime   time.Time `gorm:"column:create_time;autoCreateTime"`
}

// TableName returns the table name for LoadRun.
func (LoadRun) TableName() string {
	return "load_runs"
}

// NewLoadRun flattens a report into a row.
func NewLoadRun(r *model.LoadReport) (*LoadRun, error) {
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stats: %w", err)
	}
	phases, err := json.Marshal(r.PhasesMS)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phases: %w", err)
	}
	var verification JSONField
	if r.Verification != nil {
		if verification, err = json.Marshal(r.Verification); err != nil {
			return nil, fmt.Errorf("failed to marshal verification: %w", err)
		}
	}
	return &LoadRun{
		RunID:        r.RunID,
		Archive:      r.Archive,
		Mode:         string(r.Mode),
		Status:       string(r.Status),
		Error:        r.Error,
		Objects:      r.Objects,
		Roots:        r.Roots,
		BufferBytes:  r.BufferBytes,
		Requests:     r.Requests,
		Stats:        stats,
		Phases:       phases,
		Verification: verification,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}, nil
}

// ToModel converts LoadRun to model.LoadReport.
func (r *LoadRun) ToModel() (*model.LoadReport, error) {
	report := &model.LoadReport{
		RunID:       r.RunID,
		Archive:     r.Archive,
		Mode:        model.LoadMode(r.Mode),
		Status:      model.LoadStatus(r.Status),
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Objects:     r.Objects,
		Roots:       r.Roots,
		BufferBytes: r.BufferBytes,
		Requests:    r.Requests,
	}
	if len(r.Stats) > 0 {
		if err := json.Unmarshal(r.Stats, &report.Stats); err != nil {
			return nil, fmt.Errorf("run %s: bad stats: %w", r.RunID, err)
		}
	}
	if len(r.Phases) > 0 {
		if err := json.Unmarshal(r.Phases, &report.PhasesMS); err != nil {
			return nil, fmt.Errorf("run %s: bad phases: %w", r.RunID, err)
		}
	}
	if len(r.Verification) > 0 {
		report.Verification = &model.VerifyReport{}
		if err := json.Unmarshal(r.Verification, report.Verification); err != nil {
			return nil, fmt.Errorf("run %s: bad verification: %w", r.RunID, err)
		}
	}
	return report, nil
}

// JSONField is a custom type for handling JSON fields in GORM.
type JSONField []byte

// Value implements driver.Valuer interface.
func (j JSONField) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner interface.
func (j *JSONField) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return errors.New("unsupported type for JSONField")
	}
	return nil
}
