package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sheetflow/importd/internal/db"
	"github.com/sheetflow/importd/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path worker and stream operations.
var preparedStatements = map[string]string{
	"get_run": `SELECT ` + runColumns + ` FROM import_runs WHERE id = $1`,
	"update_run_progress": `UPDATE import_runs SET processed_rows = $1, success_rows = $2, error_rows = $3,
		progress_percent = $4, updated_at = $5 WHERE id = $6 AND processed_rows <= $1`,
	"insert_attempt": `INSERT INTO import_run_attempts (id, run_id, attempt_number, status, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
	"runs_updated_since": `SELECT r.id, r.dataset_id, d.name, r.status, r.progress_percent, r.processed_rows,
		r.total_rows, r.attempt_count, r.dlq, r.last_error, r.updated_at
		FROM import_runs r JOIN datasets d ON d.id = r.dataset_id
		WHERE r.updated_at > $1 ORDER BY r.updated_at DESC LIMIT $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS datasets (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	description           TEXT,
	mapping               JSONB,
	active_schema_version INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schema_versions (
	id         TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	version    INTEGER NOT NULL,
	mapping    JSONB NOT NULL,
	rules      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (dataset_id, version)
);

CREATE TABLE IF NOT EXISTS import_runs (
	id               TEXT PRIMARY KEY,
	dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	status           TEXT NOT NULL DEFAULT 'DRAFT',
	schema_version   INTEGER,
	file_path        TEXT,
	file_sha256      TEXT,
	file_size_bytes  BIGINT,
	total_rows       INTEGER,
	processed_rows   INTEGER NOT NULL DEFAULT 0,
	success_rows     INTEGER NOT NULL DEFAULT 0,
	error_rows       INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	dlq              BOOLEAN NOT NULL DEFAULT false,
	error_summary    TEXT,
	last_error       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_run_attempts (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	error_message  TEXT,
	traceback      TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS import_records (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
	row_number  INTEGER NOT NULL,
	date        DATE NOT NULL,
	campaign    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	spend_cents BIGINT NOT NULL,
	clicks      INTEGER NOT NULL,
	conversions INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_row_errors (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES import_runs(id) ON DELETE CASCADE,
	row_number INTEGER NOT NULL,
	field      TEXT,
	message    TEXT NOT NULL,
	raw_row    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- datasets ---

func (s *PostgresStore) CreateDataset(ctx context.Context, name, description string) (*model.Dataset, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO datasets (id, name, description, active_schema_version, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)`,
		id, name, textOrNil(description), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert dataset")
	}

	return &model.Dataset{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, mapping, active_schema_version, created_at, updated_at
		 FROM datasets WHERE id = $1`, id)
	return scanPGDataset(row)
}

func (s *PostgresStore) ListDatasets(ctx context.Context, limit, offset int) ([]model.Dataset, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, mapping, active_schema_version, created_at, updated_at
		 FROM datasets ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list datasets")
	}
	defer rows.Close()

	var out []model.Dataset
	for rows.Next() {
		d, err := scanPGDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list datasets iterate")
}

func (s *PostgresStore) PutMapping(ctx context.Context, datasetID string, mapping model.Mapping, rules model.RuleSet) (*model.SchemaVersion, error) {
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal mapping")
	}
	if rules == nil {
		rules = model.RuleSet{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal rules")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx,
		`SELECT active_schema_version FROM datasets WHERE id = $1 FOR UPDATE`, datasetID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get dataset version")
	}
	version++

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE datasets SET mapping = $1, active_schema_version = $2, updated_at = $3 WHERE id = $4`,
		mappingJSON, version, now, datasetID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: update dataset mapping")
	}

	sv := &model.SchemaVersion{
		ID:        uuid.New().String(),
		DatasetID: datasetID,
		Version:   version,
		Mapping:   mapping,
		Rules:     rules,
		CreatedAt: now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_versions (id, dataset_id, version, mapping, rules, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sv.ID, datasetID, version, mappingJSON, rulesJSON, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert schema version")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit mapping")
	}
	return sv, nil
}

func (s *PostgresStore) GetSchemaVersion(ctx context.Context, datasetID string, version int) (*model.SchemaVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, dataset_id, version, mapping, rules, created_at
		 FROM schema_versions WHERE dataset_id = $1 AND version = $2`,
		datasetID, version)

	var sv model.SchemaVersion
	var mappingJSON, rulesJSON []byte
	err := row.Scan(&sv.ID, &sv.DatasetID, &sv.Version, &mappingJSON, &rulesJSON, &sv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan schema version")
	}
	if err := json.Unmarshal(mappingJSON, &sv.Mapping); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal mapping")
	}
	if err := json.Unmarshal(rulesJSON, &sv.Rules); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rules")
	}
	return &sv, nil
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, datasetID string) (*model.ImportRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_runs (id, dataset_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, datasetID, string(model.RunStatusDraft), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.ImportRun{
		ID:        id,
		DatasetID: datasetID,
		Status:    model.RunStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) SetRunFile(ctx context.Context, runID, path, sha256 string, sizeBytes int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET file_path = $1, file_sha256 = $2, file_size_bytes = $3, updated_at = $4 WHERE id = $5`,
		path, sha256, sizeBytes, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run file %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindDuplicateRun(ctx context.Context, datasetID, sha256 string) (*model.ImportRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM import_runs
		 WHERE dataset_id = $1 AND file_sha256 = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		datasetID, sha256, string(model.RunStatusSucceeded),
	)
	run, err := scanPGRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.ImportRun, error) {
	return scanPGRun(s.pool.QueryRow(ctx, "get_run", id))
}

func (s *PostgresStore) CloneRun(ctx context.Context, src *model.ImportRun, schemaVersion int) (*model.ImportRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_runs (id, dataset_id, status, schema_version, file_path, file_sha256, file_size_bytes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, src.DatasetID, string(model.RunStatusDraft), schemaVersion,
		textOrNil(src.FilePath), textOrNil(src.FileSHA256), src.FileSizeBytes, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: clone run")
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

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.FleetRunItem, int, error) {
	where := ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.Status != "" {
		where += ` AND r.status = ` + arg(string(filter.Status))
	}
	if filter.DLQ != nil {
		where += ` AND r.dlq = ` + arg(*filter.DLQ)
	}
	if filter.DatasetID != "" {
		where += ` AND r.dataset_id = ` + arg(filter.DatasetID)
	}
	if filter.Query != "" {
		where += ` AND d.name ILIKE ` + arg("%"+filter.Query+"%")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM import_runs r JOIN datasets d ON d.id = r.dataset_id` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count runs")
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
		` ORDER BY r.updated_at DESC LIMIT ` + arg(pageSize) + ` OFFSET ` + arg((page-1)*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	items, err := scanPGFleetItems(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) ListRunsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]model.FleetRunItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "runs_updated_since", since, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs updated since")
	}
	defer rows.Close()
	return scanPGFleetItems(rows)
}

// --- guarded transitions ---

func (s *PostgresStore) StartRun(ctx context.Context, runID string, schemaVersion int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET status = $1, schema_version = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.RunStatusQueued), schemaVersion, time.Now().UTC(),
		runID, string(model.RunStatusDraft),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, runID)
	}
	return nil
}

func (s *PostgresStore) RequeueRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET status = $1, dlq = false, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.RunStatusQueued), time.Now().UTC(),
		runID, string(model.RunStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, runID)
	}
	return nil
}

func (s *PostgresStore) BeginAttempt(ctx context.Context, runID string) (*model.ImportRunAttempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	var status string
	var attemptCount int
	err = tx.QueryRow(ctx,
		`SELECT status, attempt_count FROM import_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &attemptCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run for attempt")
	}
	if status != string(model.RunStatusQueued) {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	attemptNumber := attemptCount + 1
	if _, err := tx.Exec(ctx,
		`UPDATE import_runs SET status = $1, attempt_count = $2,
		 started_at = COALESCE(started_at, $3),
		 processed_rows = 0, success_rows = 0, error_rows = 0, progress_percent = 0,
		 updated_at = $4
		 WHERE id = $5`,
		string(model.RunStatusRunning), attemptNumber, now, now, runID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: mark run running")
	}

	attempt := &model.ImportRunAttempt{
		ID:            uuid.New().String(),
		RunID:         runID,
		AttemptNumber: attemptNumber,
		Status:        model.AttemptStatusRunning,
		StartedAt:     now,
		CreatedAt:     now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO import_run_attempts (id, run_id, attempt_number, status, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		attempt.ID, runID, attemptNumber, string(attempt.Status), now, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert attempt")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit attempt")
	}
	return attempt, nil
}

func (s *PostgresStore) SetRunTotals(ctx context.Context, runID string, totalRows int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET total_rows = $1, updated_at = $2 WHERE id = $3`,
		totalRows, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run totals %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, processed, success, errorRows, progressPercent int) error {
	_, err := s.pool.Exec(ctx, "update_run_progress",
		processed, success, errorRows, progressPercent, time.Now().UTC(), runID,
	)
	return eris.Wrapf(err, "postgres: update run progress %s", runID)
}

func (s *PostgresStore) FinishRunSuccess(ctx context.Context, runID, attemptID string, processed, success, errorRows int, errorSummary string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE import_runs SET status = $1, processed_rows = $2, success_rows = $3, error_rows = $4,
		 progress_percent = 100, error_summary = $5, finished_at = $6, updated_at = $7
		 WHERE id = $8`,
		string(model.RunStatusSucceeded), processed, success, errorRows,
		textOrNil(errorSummary), now, now, runID,
	); err != nil {
		return eris.Wrap(err, "postgres: finish run")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE import_run_attempts SET status = $1, finished_at = $2 WHERE id = $3`,
		string(model.AttemptStatusSucceeded), now, attemptID,
	); err != nil {
		return eris.Wrap(err, "postgres: close attempt")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit finish")
}

func (s *PostgresStore) FinishRunFailure(ctx context.Context, runID, attemptID, errorMessage, traceback string, dlq bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE import_runs SET status = $1, dlq = $2, error_summary = $3, last_error = $3, finished_at = $4, updated_at = $5
		 WHERE id = $6`,
		string(model.RunStatusFailed), dlq, textOrNil(errorMessage), now, now, runID,
	); err != nil {
		return eris.Wrap(err, "postgres: fail run")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE import_run_attempts SET status = $1, finished_at = $2, error_message = $3, traceback = $4 WHERE id = $5`,
		string(model.AttemptStatusFailed), now, textOrNil(errorMessage), textOrNil(traceback), attemptID,
	); err != nil {
		return eris.Wrap(err, "postgres: close failed attempt")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit failure")
}

// --- attempts ---

func (s *PostgresStore) ListAttempts(ctx context.Context, runID string) ([]model.ImportRunAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, attempt_number, status, started_at, finished_at, error_message, traceback, created_at
		 FROM import_run_attempts WHERE run_id = $1 ORDER BY attempt_number DESC`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.ImportRunAttempt
	for rows.Next() {
		var a model.ImportRunAttempt
		var errMsg, traceback *string
		if err := rows.Scan(&a.ID, &a.RunID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.FinishedAt, &errMsg, &traceback, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.ErrorMessage = deref(errMsg)
		a.Traceback = deref(traceback)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// --- row results ---

func (s *PostgresStore) ReplaceRunResults(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM import_row_errors WHERE run_id = $1`, runID); err != nil {
		return eris.Wrap(err, "postgres: delete row errors")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM import_records WHERE run_id = $1`, runID); err != nil {
		return eris.Wrap(err, "postgres: delete records")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit truncate")
}

var recordColumns = []string{
	"id", "run_id", "row_number", "date", "campaign", "channel",
	"spend_cents", "clicks", "conversions", "created_at",
}

func (s *PostgresStore) InsertRecords(ctx context.Context, records []model.ImportRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{
			id, r.RunID, r.RowNumber, r.Date, r.Campaign, r.Channel,
			r.SpendCents, r.Clicks, r.Conversions, now,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "import_records", recordColumns, rows)
	return eris.Wrap(err, "postgres: copy records")
}

func (s *PostgresStore) InsertRowErrors(ctx context.Context, rowErrors []model.ImportRowError) error {
	if len(rowErrors) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(rowErrors))
	for _, e := range rowErrors {
		id := e.ID
		if id == "" {
			id = uuid.New().String()
		}
		var rawJSON []byte
		if e.RawRow != nil {
			b, err := json.Marshal(e.RawRow)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal raw row")
			}
			rawJSON = b
		}
		rows = append(rows, []any{
			id, e.RunID, e.RowNumber, textOrNil(e.Field), e.Message, rawJSON, now,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "import_row_errors",
		[]string{"id", "run_id", "row_number", "field", "message", "raw_row", "created_at"}, rows)
	return eris.Wrap(err, "postgres: copy row errors")
}

func (s *PostgresStore) ListRecords(ctx context.Context, runID string, filter RecordFilter) ([]model.ImportRecord, int, error) {
	where := ` WHERE run_id = $1`
	args := []any{runID}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.Search != "" {
		where += ` AND campaign ILIKE ` + arg("%"+filter.Search+"%")
	}
	if filter.Channel != "" {
		where += ` AND channel = ` + arg(filter.Channel)
	}
	if filter.MinSpendCents != nil {
		where += ` AND spend_cents >= ` + arg(*filter.MinSpendCents)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM import_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count records")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	query := `SELECT id, run_id, row_number, date, campaign, channel, spend_cents, clicks, conversions, created_at
		 FROM import_records` + where + ` ORDER BY row_number LIMIT ` + arg(pageSize) + ` OFFSET ` + arg((page-1)*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.ImportRecord
	for rows.Next() {
		var r model.ImportRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.RowNumber, &r.Date, &r.Campaign, &r.Channel, &r.SpendCents, &r.Clicks, &r.Conversions, &r.CreatedAt); err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, total, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) ListRowErrors(ctx context.Context, runID string, limit int) ([]model.ImportRowError, error) {
	query := `SELECT id, run_id, row_number, field, message, raw_row, created_at
		 FROM import_row_errors WHERE run_id = $1 ORDER BY row_number`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list row errors")
	}
	defer rows.Close()

	var out []model.ImportRowError
	for rows.Next() {
		var e model.ImportRowError
		var field *string
		var rawJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.RowNumber, &field, &e.Message, &rawJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan row error")
		}
		e.Field = deref(field)
		if len(rawJSON) > 0 {
			if err := json.Unmarshal(rawJSON, &e.RawRow); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal raw row")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list row errors iterate")
}

// --- helpers ---

func (s *PostgresStore) missingOrConflict(ctx context.Context, runID string) error {
	var exists int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM import_runs WHERE id = $1`, runID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "postgres: check run exists")
	}
	return ErrConflict
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPGDataset(row pgScannable) (*model.Dataset, error) {
	var d model.Dataset
	var desc *string
	var mappingJSON []byte
	err := row.Scan(&d.ID, &d.Name, &desc, &mappingJSON, &d.ActiveSchemaVersion, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan dataset")
	}
	d.Description = deref(desc)
	if len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &d.Mapping); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal mapping")
		}
	}
	return &d, nil
}

func scanPGRun(row pgScannable) (*model.ImportRun, error) {
	var r model.ImportRun
	var filePath, fileSHA, errorSummary, lastError *string
	var fileSize *int64

	err := row.Scan(
		&r.ID, &r.DatasetID, &r.Status, &r.SchemaVersion, &filePath, &fileSHA, &fileSize,
		&r.TotalRows, &r.ProcessedRows, &r.SuccessRows, &r.ErrorRows, &r.ProgressPercent,
		&r.AttemptCount, &r.DLQ, &errorSummary, &lastError,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	r.FilePath = deref(filePath)
	r.FileSHA256 = deref(fileSHA)
	if fileSize != nil {
		r.FileSizeBytes = *fileSize
	}
	r.ErrorSummary = deref(errorSummary)
	r.LastError = deref(lastError)
	return &r, nil
}

func scanPGFleetItems(rows pgx.Rows) ([]model.FleetRunItem, error) {
	var out []model.FleetRunItem
	for rows.Next() {
		var it model.FleetRunItem
		var lastError *string
		if err := rows.Scan(&it.ID, &it.DatasetID, &it.DatasetName, &it.Status, &it.ProgressPercent,
			&it.ProcessedRows, &it.TotalRows, &it.AttemptCount, &it.DLQ, &lastError, &it.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fleet item")
		}
		it.LastError = deref(lastError)
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: fleet items iterate")
}
