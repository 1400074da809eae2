package model

import "time"

// RunStatus represents the lifecycle state of an import run.
type RunStatus string

const (
	RunStatusDraft     RunStatus = "DRAFT"
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// AttemptStatus represents the state of one execution attempt.
type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "RUNNING"
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
	AttemptStatusFailed    AttemptStatus = "FAILED"
)

// Dataset groups uploaded files under one mapping/rule configuration.
type Dataset struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Mapping             Mapping   `json:"mapping,omitempty"`
	ActiveSchemaVersion int       `json:"active_schema_version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SchemaVersion is an immutable snapshot of a dataset's mapping and rules.
// Runs capture a version at start time so later edits never affect a run
// already in flight.
type SchemaVersion struct {
	ID        string    `json:"id"`
	DatasetID string    `json:"dataset_id"`
	Version   int       `json:"version"`
	Mapping   Mapping   `json:"mapping"`
	Rules     RuleSet   `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
}

// ImportRun is one attempt-tracked unit of work for one uploaded file.
type ImportRun struct {
	ID              string     `json:"id"`
	DatasetID       string     `json:"dataset_id"`
	Status          RunStatus  `json:"status"`
	SchemaVersion   *int       `json:"schema_version,omitempty"`
	FilePath        string     `json:"file_path,omitempty"`
	FileSHA256      string     `json:"file_sha256,omitempty"`
	FileSizeBytes   int64      `json:"file_size_bytes,omitempty"`
	TotalRows       *int       `json:"total_rows"`
	ProcessedRows   int        `json:"processed_rows"`
	SuccessRows     int        `json:"success_rows"`
	ErrorRows       int        `json:"error_rows"`
	ProgressPercent int        `json:"progress_percent"`
	AttemptCount    int        `json:"attempt_count"`
	DLQ             bool       `json:"dlq"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ImportRunAttempt is one execution attempt of a run. Rows are append-only.
type ImportRunAttempt struct {
	ID            string        `json:"id"`
	RunID         string        `json:"run_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Traceback     string        `json:"traceback,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ImportRecord is one successfully validated row in canonical form.
// Spend is held as integer cents; see ParseSpend/FormatCents.
type ImportRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	RowNumber   int       `json:"row_number"`
	Date        time.Time `json:"date"`
	Campaign    string    `json:"campaign"`
	Channel     string    `json:"channel"`
	SpendCents  int64     `json:"spend_cents"`
	Clicks      int       `json:"clicks"`
	Conversions int       `json:"conversions"`
	CreatedAt   time.Time `json:"created_at"`
}

// ImportRowError records one row that failed mapping or validation.
// An empty Field means the error is row-level rather than field-level.
type ImportRowError struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	RowNumber int               `json:"row_number"`
	Field     string            `json:"field,omitempty"`
	Message   string            `json:"message"`
	RawRow    map[string]string `json:"raw_row,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RunProjection is the JSON shape carried by stream events and API responses.
type RunProjection struct {
	ID              string     `json:"id"`
	DatasetID       string     `json:"dataset_id"`
	Status          string     `json:"status"`
	SchemaVersion   *int       `json:"schema_version,omitempty"`
	ProgressPercent int        `json:"progress_percent"`
	TotalRows       *int       `json:"total_rows"`
	ProcessedRows   int        `json:"processed_rows"`
	SuccessRows     int        `json:"success_rows"`
	ErrorRows       int        `json:"error_rows"`
	AttemptCount    int        `json:"attempt_count"`
	DLQ             bool       `json:"dlq"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Projection returns the wire representation of the run.
func (r *ImportRun) Projection() RunProjection {
	return RunProjection{
		ID:              r.ID,
		DatasetID:       r.DatasetID,
		Status:          string(r.Status),
		SchemaVersion:   r.SchemaVersion,
		ProgressPercent: r.ProgressPercent,
		TotalRows:       r.TotalRows,
		ProcessedRows:   r.ProcessedRows,
		SuccessRows:     r.SuccessRows,
		ErrorRows:       r.ErrorRows,
		AttemptCount:    r.AttemptCount,
		DLQ:             r.DLQ,
		ErrorSummary:    r.ErrorSummary,
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// FleetRunItem is one row of the fleet-wide monitoring feed.
type FleetRunItem struct {
	ID              string    `json:"id"`
	DatasetID       string    `json:"dataset_id"`
	DatasetName     string    `json:"dataset_name"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	ProcessedRows   int       `json:"processed_rows"`
	TotalRows       *int      `json:"total_rows"`
	AttemptCount    int       `json:"attempt_count"`
	DLQ             bool      `json:"dlq"`
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
