package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sheetflow/importd/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS datasets (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	description           TEXT,
	mapping               TEXT,
	active_schema_version INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_versions (
	id         TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	version    INTEGER NOT NULL,
	mapping    TEXT NOT NULL,
	rules      TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (dataset_id, version)
);

CREATE TABLE IF NOT EXISTS import_runs (
	id               TEXT PRIMARY KEY,
	dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	status           TEXT NOT NULL DEFAULT 'DRAFT',
	schema_version   INTEGER,
	file_path        TEXT,
	file_sha256      TEXT,
	file_size_bytes  INTEGER,
	total_rows       INTEGER,
	processed_rows   INTEGER NOT NULL DEFAULT 0,
	success_rows     INTEGER NOT NULL DEFAULT 0,
	error_rows       INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	dlq              INTEGER NOT NULL DEFAULT 0,
	error_summary    TEXT,
	last_error       TEXT,
	created_at       DATETIME NOT NULL,
	started_at       DATETIME,
	finished_at      DATETIME,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS import_run_attempts (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	started_at     DATETIME NOT NULL,
	finished_at    DATETIME,
	error_message  TEXT,
	traceback      TEXT,
	created_at     DATETIME NOT NULL,
	UNIQUE (run_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS import_records (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
	row_number  INTEGER NOT NULL,
	date        TEXT NOT NULL,
	campaign    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	spend_cents INTEGER NOT NULL,
	clicks      INTEGER NOT NULL,
	conversions INTEGER NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS import_row_errors (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
	row_number INTEGER NOT NULL,
	field      TEXT,
	message    TEXT NOT NULL,
	raw_row    TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_runs_dataset ON import_runs(dataset_id, created_at);
CREATE INDEX IF NOT EXISTS idx_import_runs_status ON import_runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_import_runs_updated ON import_runs(updated_at);
CREATE INDEX IF NOT EXISTS idx_import_runs_sha ON import_runs(file_sha256);
CREATE INDEX IF NOT EXISTS idx_attempts_run ON import_run_attempts(run_id, attempt_number);
CREATE INDEX IF NOT EXISTS idx_records_run ON import_records(run_id, row_number);
CREATE INDEX IF NOT EXISTS idx_records_run_campaign ON import_records(run_id, campaign);
CREATE INDEX IF NOT EXISTS idx_row_errors_run ON import_row_errors(run_id, row_number);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- datasets ---

func (s *SQLiteStore) CreateDataset(ctx context.Context, name, description string) (*model.Dataset, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, name, description, active_schema_version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		id, name, nullString(description), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert dataset")
	}

	return &model.Dataset{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, mapping, active_schema_version, created_at, updated_at
		 FROM datasets WHERE id = ?`, id)

	var d model.Dataset
	var desc, mappingJSON sql.NullString
	err := row.Scan(&d.ID, &d.Name, &desc, &mappingJSON, &d.ActiveSchemaVersion, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan dataset")
	}
	d.Description = desc.String
	if mappingJSON.Valid {
		if err := json.Unmarshal([]byte(mappingJSON.String), &d.Mapping); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal mapping")
		}
	}
	return &d, nil
}

func (s *SQLiteStore) ListDatasets(ctx context.Context, limit, offset int) ([]model.Dataset, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, mapping, active_schema_version, created_at, updated_at
		 FROM datasets ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list datasets")
	}
	defer rows.Close()

	var out []model.Dataset
	for rows.Next() {
		var d model.Dataset
		var desc, mappingJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &desc, &mappingJSON, &d.ActiveSchemaVersion, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dataset")
		}
		d.Description = desc.String
		if mappingJSON.Valid {
			if err := json.Unmarshal([]byte(mappingJSON.String), &d.Mapping); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal mapping")
			}
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list datasets iterate")
}

func (s *SQLiteStore) PutMapping(ctx context.Context, datasetID string, mapping model.Mapping, rules model.RuleSet) (*model.SchemaVersion, error) {
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal mapping")
	}
	if rules == nil {
		rules = model.RuleSet{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal rules")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT active_schema_version FROM datasets WHERE id = ?`, datasetID).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get dataset version")
	}
	version++

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE datasets SET mapping = ?, active_schema_version = ?, updated_at = ? WHERE id = ?`,
		string(mappingJSON), version, now, datasetID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: update dataset mapping")
	}

	sv := &model.SchemaVersion{
		ID:        uuid.New().String(),
		DatasetID: datasetID,
		Version:   version,
		Mapping:   mapping,
		Rules:     rules,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_versions (id, dataset_id, version, mapping, rules, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sv.ID, datasetID, version, string(mappingJSON), string(rulesJSON), now,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert schema version")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit mapping")
	}
	return sv, nil
}

func (s *SQLiteStore) GetSchemaVersion(ctx context.Context, datasetID string, version int) (*model.SchemaVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset_id, version, mapping, rules, created_at
		 FROM schema_versions WHERE dataset_id = ? AND version = ?`,
		datasetID, version)

	var sv model.SchemaVersion
	var mappingJSON, rulesJSON string
	err := row.Scan(&sv.ID, &sv.DatasetID, &sv.Version, &mappingJSON, &rulesJSON, &sv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan schema version")
	}
	if err := json.Unmarshal([]byte(mappingJSON), &sv.Mapping); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal mapping")
	}
	if err := json.Unmarshal([]byte(rulesJSON), &sv.Rules); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rules")
	}
	return &sv, nil
}

// --- runs ---

const runColumns = `id, dataset_id, status, schema_version, file_path, file_sha256, file_size_bytes,
	total_rows, processed_rows, success_rows, error_rows, progress_percent,
	attempt_count, dlq, error_summary, last_error, created_at, started_at, finished_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, datasetID string) (*model.ImportRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_runs (id, dataset_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, datasetID, string(model.RunStatusDraft), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.ImportRun{
		ID:        id,
		DatasetID: datasetID,
		Status:    model.RunStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) SetRunFile(ctx context.Context, runID, path, sha256 string, sizeBytes int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_runs SET file_path = ?, file_sha256 = ?, file_size_bytes = ?, updated_at = ? WHERE id = ?`,
		path, sha256, sizeBytes, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run file %s", runID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) FindDuplicateRun(ctx context.Context, datasetID, sha256 string) (*model.ImportRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM import_runs
		 WHERE dataset_id = ? AND file_sha256 = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		datasetID, sha256, string(model.RunStatusSucceeded),
	)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.ImportRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM import_runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *SQLiteStore) CloneRun(ctx context.Context, src *model.ImportRun, schemaVersion int) (*model.ImportRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_runs (id, dataset_id, status, schema_version, file_path, file_sha256, file_size_bytes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, src.DatasetID, string(model.RunStatusDraft), schemaVersion,
		nullString(src.FilePath), nullString(src.FileSHA256), src.FileSizeBytes, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: clone run")
	}

	return &model.ImportRun{
		ID:            id,
		DatasetID:     src.DatasetID,
		Status:        model.RunStatusDraft,
		SchemaVersion: &schemaVersion,
		FilePath:      src.FilePath,
		FileSHA256:    src.FileSHA256,
		FileSizeBytes: src.FileSizeBytes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.FleetRunItem, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND r.status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DLQ != nil {
		where += ` AND r.dlq = ?`
		args = append(args, *filter.DLQ)
	}
	if filter.DatasetID != "" {
		where += ` AND r.dataset_id = ?`
		args = append(args, filter.DatasetID)
	}
	if filter.Query != "" {
		where += ` AND d.name LIKE ?`
		args = append(args, "%"+filter.Query+"%")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM import_runs r JOIN datasets d ON d.id = r.dataset_id` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count runs")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	query := `SELECT r.id, r.dataset_id, d.name, r.status, r.progress_percent, r.processed_rows,
		r.total_rows, r.attempt_count, r.dlq, r.last_error, r.updated_at
		FROM import_runs r JOIN datasets d ON d.id = r.dataset_id` + where +
		` ORDER BY r.updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	items, err := scanFleetItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *SQLiteStore) ListRunsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]model.FleetRunItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.dataset_id, d.name, r.status, r.progress_percent, r.processed_rows,
		 r.total_rows, r.attempt_count, r.dlq, r.last_error, r.updated_at
		 FROM import_runs r JOIN datasets d ON d.id = r.dataset_id
		 WHERE r.updated_at > ? ORDER BY r.updated_at DESC LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs updated since")
	}
	defer rows.Close()
	return scanFleetItems(rows)
}

// --- guarded transitions ---

func (s *SQLiteStore) StartRun(ctx context.Context, runID string, schemaVersion int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, schema_version = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.RunStatusQueued), schemaVersion, time.Now().UTC(),
		runID, string(model.RunStatusDraft),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start run %s", runID)
	}
	return s.checkTransition(ctx, res, runID)
}

func (s *SQLiteStore) RequeueRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, dlq = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.RunStatusQueued), time.Now().UTC(),
		runID, string(model.RunStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue run %s", runID)
	}
	return s.checkTransition(ctx, res, runID)
}

func (s *SQLiteStore) BeginAttempt(ctx context.Context, runID string) (*model.ImportRunAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var status string
	var attemptCount int
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempt_count FROM import_runs WHERE id = ?`, runID).Scan(&status, &attemptCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run for attempt")
	}
	if status != string(model.RunStatusQueued) {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	attemptNumber := attemptCount + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, attempt_count = ?,
		 started_at = COALESCE(started_at, ?),
		 processed_rows = 0, success_rows = 0, error_rows = 0, progress_percent = 0,
		 updated_at = ?
		 WHERE id = ?`,
		string(model.RunStatusRunning), attemptNumber, now, now, runID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: mark run running")
	}

	attempt := &model.ImportRunAttempt{
		ID:            uuid.New().String(),
		RunID:         runID,
		AttemptNumber: attemptNumber,
		Status:        model.AttemptStatusRunning,
		StartedAt:     now,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO import_run_attempts (id, run_id, attempt_number, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.ID, runID, attemptNumber, string(attempt.Status), now, now,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert attempt")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit attempt")
	}
	return attempt, nil
}

func (s *SQLiteStore) SetRunTotals(ctx context.Context, runID string, totalRows int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_runs SET total_rows = ?, updated_at = ? WHERE id = ?`,
		totalRows, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run totals %s", runID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, processed, success, errorRows, progressPercent int) error {
	// Progress never moves backward, even if a stale writer shows up late.
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_runs SET processed_rows = ?, success_rows = ?, error_rows = ?, progress_percent = ?, updated_at = ?
		 WHERE id = ? AND processed_rows <= ?`,
		processed, success, errorRows, progressPercent, time.Now().UTC(), runID, processed,
	)
	return eris.Wrapf(err, "sqlite: update run progress %s", runID)
}

func (s *SQLiteStore) FinishRunSuccess(ctx context.Context, runID, attemptID string, processed, success, errorRows int, errorSummary string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, processed_rows = ?, success_rows = ?, error_rows = ?,
		 progress_percent = 100, error_summary = ?, finished_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.RunStatusSucceeded), processed, success, errorRows,
		nullString(errorSummary), now, now, runID,
	); err != nil {
		return eris.Wrap(err, "sqlite: finish run")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_run_attempts SET status = ?, finished_at = ? WHERE id = ?`,
		string(model.AttemptStatusSucceeded), now, attemptID,
	); err != nil {
		return eris.Wrap(err, "sqlite: close attempt")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit finish")
}

func (s *SQLiteStore) FinishRunFailure(ctx context.Context, runID, attemptID, errorMessage, traceback string, dlq bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, dlq = ?, error_summary = ?, last_error = ?, finished_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.RunStatusFailed), dlq, nullString(errorMessage), nullString(errorMessage), now, now, runID,
	); err != nil {
		return eris.Wrap(err, "sqlite: fail run")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE import_run_attempts SET status = ?, finished_at = ?, error_message = ?, traceback = ? WHERE id = ?`,
		string(model.AttemptStatusFailed), now, nullString(errorMessage), nullString(traceback), attemptID,
	); err != nil {
		return eris.Wrap(err, "sqlite: close failed attempt")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit failure")
}

// --- attempts ---

func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]model.ImportRunAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, attempt_number, status, started_at, finished_at, error_message, traceback, created_at
		 FROM import_run_attempts WHERE run_id = ? ORDER BY attempt_number DESC`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var out []model.ImportRunAttempt
	for rows.Next() {
		var a model.ImportRunAttempt
		var finished sql.NullTime
		var errMsg, traceback sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.AttemptNumber, &a.Status, &a.StartedAt, &finished, &errMsg, &traceback, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		a.ErrorMessage = errMsg.String
		a.Traceback = traceback.String
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// --- row results ---

func (s *SQLiteStore) ReplaceRunResults(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM import_row_errors WHERE run_id = ?`, runID); err != nil {
		return eris.Wrap(err, "sqlite: delete row errors")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM import_records WHERE run_id = ?`, runID); err != nil {
		return eris.Wrap(err, "sqlite: delete records")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit truncate")
}

func (s *SQLiteStore) InsertRecords(ctx context.Context, records []model.ImportRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO import_records (id, run_id, row_number, date, campaign, channel, spend_cents, clicks, conversions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx,
			id, r.RunID, r.RowNumber, r.Date.Format("2006-01-02"),
			r.Campaign, r.Channel, r.SpendCents, r.Clicks, r.Conversions, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert record row %d", r.RowNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit records")
}

func (s *SQLiteStore) InsertRowErrors(ctx context.Context, rowErrors []model.ImportRowError) error {
	if len(rowErrors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO import_row_errors (id, run_id, row_number, field, message, raw_row, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert row error")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range rowErrors {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		var rawJSON sql.NullString
		if e.RawRow != nil {
			b, err := json.Marshal(e.RawRow)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal raw row")
			}
			rawJSON = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			id, e.RunID, e.RowNumber, nullString(e.Field), e.Message, rawJSON, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert row error row %d", e.RowNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit row errors")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, runID string, filter RecordFilter) ([]model.ImportRecord, int, error) {
	where := ` WHERE run_id = ?`
	args := []any{runID}
	if filter.Search != "" {
		where += ` AND campaign LIKE ?`
		args = append(args, "%"+filter.Search+"%")
	}
	if filter.Channel != "" {
		where += ` AND channel = ?`
		args = append(args, filter.Channel)
	}
	if filter.MinSpendCents != nil {
		where += ` AND spend_cents >= ?`
		args = append(args, *filter.MinSpendCents)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count records")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, row_number, date, campaign, channel, spend_cents, clicks, conversions, created_at
		 FROM import_records`+where+` ORDER BY row_number LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []model.ImportRecord
	for rows.Next() {
		var r model.ImportRecord
		var date string
		if err := rows.Scan(&r.ID, &r.RunID, &r.RowNumber, &date, &r.Campaign, &r.Channel, &r.SpendCents, &r.Clicks, &r.Conversions, &r.CreatedAt); err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan record")
		}
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: parse record date")
		}
		r.Date = d
		out = append(out, r)
	}
	return out, total, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) ListRowErrors(ctx context.Context, runID string, limit int) ([]model.ImportRowError, error) {
	query := `SELECT id, run_id, row_number, field, message, raw_row, created_at
		 FROM import_row_errors WHERE run_id = ? ORDER BY row_number`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list row errors")
	}
	defer rows.Close()

	var out []model.ImportRowError
	for rows.Next() {
		var e model.ImportRowError
		var field, rawJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.RowNumber, &field, &e.Message, &rawJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row error")
		}
		e.Field = field.String
		if rawJSON.Valid {
			if err := json.Unmarshal([]byte(rawJSON.String), &e.RawRow); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal raw row")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list row errors iterate")
}

// --- helpers ---

// checkTransition distinguishes a missing run from a guard failure after a
// conditional UPDATE touched zero rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM import_runs WHERE id = ?`, runID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: check run exists")
	}
	return ErrConflict
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ImportRun, error) {
	var r model.ImportRun
	var schemaVersion, totalRows, fileSize sql.NullInt64
	var filePath, fileSHA, errorSummary, lastError sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.DatasetID, &r.Status, &schemaVersion, &filePath, &fileSHA, &fileSize,
		&totalRows, &r.ProcessedRows, &r.SuccessRows, &r.ErrorRows, &r.ProgressPercent,
		&r.AttemptCount, &r.DLQ, &errorSummary, &lastError,
		&r.CreatedAt, &startedAt, &finishedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if schemaVersion.Valid {
		v := int(schemaVersion.Int64)
		r.SchemaVersion = &v
	}
	if totalRows.Valid {
		v := int(totalRows.Int64)
		r.TotalRows = &v
	}
	r.FilePath = filePath.String
	r.FileSHA256 = fileSHA.String
	r.FileSizeBytes = fileSize.Int64
	r.ErrorSummary = errorSummary.String
	r.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func scanFleetItems(rows *sql.Rows) ([]model.FleetRunItem, error) {
	var out []model.FleetRunItem
	for rows.Next() {
		var it model.FleetRunItem
		var totalRows sql.NullInt64
		var lastError sql.NullString
		if err := rows.Scan(&it.ID, &it.DatasetID, &it.DatasetName, &it.Status, &it.ProgressPercent,
			&it.ProcessedRows, &totalRows, &it.AttemptCount, &it.DLQ, &lastError, &it.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fleet item")
		}
		if totalRows.Valid {
			v := int(totalRows.Int64)
			it.TotalRows = &v
		}
		it.LastError = lastError.String
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: fleet items iterate")
}
