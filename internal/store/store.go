// Package store provides durable persistence for datasets, import runs,
// attempts, records, and row errors, on SQLite or Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sheetflow/importd/internal/model"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a guarded status transition finds the run in a
// different state than the caller expected.
var ErrConflict = errors.New("conflicting run state")

// RunFilter specifies criteria for listing runs across datasets.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	DLQ       *bool           `json:"dlq,omitempty"`
	DatasetID string          `json:"dataset_id,omitempty"`
	Query     string          `json:"q,omitempty"` // dataset name substring
	Page      int             `json:"page,omitempty"`
	PageSize  int             `json:"page_size,omitempty"`
}

// RecordFilter specifies criteria for paginating a run's records.
type RecordFilter struct {
	Search        string `json:"search,omitempty"` // campaign substring
	Channel       string `json:"channel,omitempty"`
	MinSpendCents *int64 `json:"min_spend_cents,omitempty"`
	Page          int    `json:"page,omitempty"`
	PageSize      int    `json:"page_size,omitempty"`
}

// Store defines the persistence interface for the import pipeline.
type Store interface {
	// Datasets
	CreateDataset(ctx context.Context, name, description string) (*model.Dataset, error)
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	ListDatasets(ctx context.Context, limit, offset int) ([]model.Dataset, error)
	// PutMapping stores the dataset's mapping and appends a new immutable
	// schema version carrying the mapping plus rules.
	PutMapping(ctx context.Context, datasetID string, mapping model.Mapping, rules model.RuleSet) (*model.SchemaVersion, error)
	GetSchemaVersion(ctx context.Context, datasetID string, version int) (*model.SchemaVersion, error)

	// Runs
	CreateRun(ctx context.Context, datasetID string) (*model.ImportRun, error)
	SetRunFile(ctx context.Context, runID, path, sha256 string, sizeBytes int64) error
	FindDuplicateRun(ctx context.Context, datasetID, sha256 string) (*model.ImportRun, error)
	GetRun(ctx context.Context, id string) (*model.ImportRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.FleetRunItem, int, error)
	ListRunsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]model.FleetRunItem, error)
	CloneRun(ctx context.Context, src *model.ImportRun, schemaVersion int) (*model.ImportRun, error)

	// Guarded transitions. Each is a single atomic update that fails with
	// ErrConflict when the run is not in the expected state.
	StartRun(ctx context.Context, runID string, schemaVersion int) error
	RequeueRun(ctx context.Context, runID string) error
	BeginAttempt(ctx context.Context, runID string) (*model.ImportRunAttempt, error)
	SetRunTotals(ctx context.Context, runID string, totalRows int) error
	UpdateRunProgress(ctx context.Context, runID string, processed, success, errorRows, progressPercent int) error
	FinishRunSuccess(ctx context.Context, runID, attemptID string, processed, success, errorRows int, errorSummary string) error
	FinishRunFailure(ctx context.Context, runID, attemptID, errorMessage, traceback string, dlq bool) error

	// Attempts
	ListAttempts(ctx context.Context, runID string) ([]model.ImportRunAttempt, error)

	// Row results
	ReplaceRunResults(ctx context.Context, runID string) error
	InsertRecords(ctx context.Context, records []model.ImportRecord) error
	InsertRowErrors(ctx context.Context, rowErrors []model.ImportRowError) error
	ListRecords(ctx context.Context, runID string, filter RecordFilter) ([]model.ImportRecord, int, error)
	ListRowErrors(ctx context.Context, runID string, limit int) ([]model.ImportRowError, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
