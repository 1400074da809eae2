package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetflow/importd/internal/blob"
	"github.com/sheetflow/importd/internal/broadcast"
	"github.com/sheetflow/importd/internal/config"
	"github.com/sheetflow/importd/internal/model"
	"github.com/sheetflow/importd/internal/queue"
	"github.com/sheetflow/importd/internal/store"
)

type apiEnv struct {
	store  store.Store
	queue  *queue.Memory
	server *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	blobs, err := blob.NewDiskStore(t.TempDir(), 1<<20)
	require.NoError(t, err)
	q := queue.NewMemory(16)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck

	cfg := &config.Config{}
	cfg.Upload.MaxBytes = 1 << 20
	cfg.Upload.MaxColumns = 10
	cfg.Server.CORSOrigins = []string{"*"}

	srv := New(cfg, st, blobs, q, broadcast.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{store: st, queue: q, server: ts}
}

func (e *apiEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func (e *apiEnv) putJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, e.server.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decode[map[string]map[string]any](t, resp)
	code, _ := body["error"]["code"].(string)
	return code
}

func fullMapping() map[string]any {
	return map[string]any{
		"date":     map[string]any{"source": "Date"},
		"campaign": map[string]any{"source": "Campaign"},
		"channel":  map[string]any{"source": "Channel"},
		"spend":    map[string]any{"source": "Cost", "currency": true},
	}
}

func (e *apiEnv) createDataset(t *testing.T) string {
	t.Helper()
	resp := e.postJSON(t, "/api/datasets", map[string]string{"name": "ad-spend"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ds := decode[model.Dataset](t, resp)
	return ds.ID
}

func (e *apiEnv) createRun(t *testing.T, datasetID string) string {
	t.Helper()
	resp := e.postJSON(t, "/api/datasets/"+datasetID+"/runs", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decode[model.RunProjection](t, resp)
	return run.ID
}

func (e *apiEnv) upload(t *testing.T, runID, csv string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.csv")
	require.NoError(t, err)
	_, err = io.Copy(fw, strings.NewReader(csv))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.server.URL+"/api/runs/"+runID+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

const sampleCSV = "Date,Campaign,Channel,Cost\n2025-03-14,spring,search,12.34\n"

func TestCreateDataset_Validation(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.postJSON(t, "/api/datasets", map[string]string{"description": "no name"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))
}

func TestGetRun_NotFoundEnvelope(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/api/runs/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestPutMapping_RejectsInvalid(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)

	// Missing required fields.
	resp := env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{
		"mapping": map[string]any{"date": map[string]any{"source": "Date"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, resp))

	// Unknown canonical field.
	m := fullMapping()
	m["revenue"] = map[string]any{"source": "Revenue"}
	resp = env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": m})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPutMapping_BumpsSchemaVersion(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)

	resp := env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sv := decode[model.SchemaVersion](t, resp)
	assert.Equal(t, 1, sv.Version)

	resp = env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sv = decode[model.SchemaVersion](t, resp)
	assert.Equal(t, 2, sv.Version)
}

func TestUpload_Flow(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	resp := env.upload(t, runID, sampleCSV)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.NotEmpty(t, body["sha256"])
	columns, ok := body["columns"].([]any)
	require.True(t, ok)
	assert.Len(t, columns, 4)
}

func TestUpload_RejectsEmptyFile(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	resp := env.upload(t, runID, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INVALID_FILE", errorCode(t, resp))
}

func TestUpload_RejectsTooManyColumns(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	cols := make([]string, 11)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d", i)
	}
	resp := env.upload(t, runID, strings.Join(cols, ",")+"\n")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INVALID_FILE", errorCode(t, resp))
}

func TestUpload_OnlyDraftAcceptsFiles(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()}).Body.Close()
	resp := env.upload(t, runID, sampleCSV)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.postJSON(t, "/api/runs/"+runID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = env.upload(t, runID, sampleCSV)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, resp))
}

func TestUpload_DuplicateOfSucceededRun(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	dsID := env.createDataset(t)
	env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()}).Body.Close()

	run1 := env.createRun(t, dsID)
	resp := env.upload(t, run1, sampleCSV)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Drive run1 to SUCCEEDED directly through the store.
	require.NoError(t, env.store.StartRun(ctx, run1, 1))
	attempt, err := env.store.BeginAttempt(ctx, run1)
	require.NoError(t, err)
	require.NoError(t, env.store.FinishRunSuccess(ctx, run1, attempt.ID, 1, 1, 0, ""))

	run2 := env.createRun(t, dsID)
	resp = env.upload(t, run2, sampleCSV)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[map[string]map[string]any](t, resp)
	assert.Equal(t, "DUPLICATE_UPLOAD", body["error"]["code"])
	assert.Equal(t, run1, body["error"]["existing_run_id"])
}

func TestStartRun_Guards(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	// No file yet.
	resp := env.postJSON(t, "/api/runs/"+runID+"/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "NO_FILE", errorCode(t, resp))

	// File but no mapping.
	env.upload(t, runID, sampleCSV).Body.Close()
	resp = env.postJSON(t, "/api/runs/"+runID+"/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "NO_MAPPING", errorCode(t, resp))
}

func TestStartRun_QueuesAndPinsVersion(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)
	env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()}).Body.Close()
	env.upload(t, runID, sampleCSV).Body.Close()

	resp := env.postJSON(t, "/api/runs/"+runID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	proj := decode[model.RunProjection](t, resp)
	assert.Equal(t, "QUEUED", proj.Status)
	require.NotNil(t, proj.SchemaVersion)
	assert.Equal(t, 1, *proj.SchemaVersion)

	dctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	queued, err := env.queue.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, runID, queued)

	// Double start conflicts.
	resp = env.postJSON(t, "/api/runs/"+runID+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRetryRun_OnlyFailed(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	resp := env.postJSON(t, "/api/runs/"+runID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()}).Body.Close()
	env.upload(t, runID, sampleCSV).Body.Close()
	require.NoError(t, env.store.StartRun(ctx, runID, 1))
	attempt, err := env.store.BeginAttempt(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, env.store.FinishRunFailure(ctx, runID, attempt.ID, "boom", "", true))

	resp = env.postJSON(t, "/api/runs/"+runID+"/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	proj := decode[model.RunProjection](t, resp)
	assert.Equal(t, "QUEUED", proj.Status)
	assert.False(t, proj.DLQ)
}

func TestCloneRun(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)
	env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()}).Body.Close()
	env.upload(t, runID, sampleCSV).Body.Close()

	resp := env.postJSON(t, "/api/runs/"+runID+"/clone", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	clone := decode[model.RunProjection](t, resp)
	assert.NotEqual(t, runID, clone.ID)
	assert.Equal(t, "DRAFT", clone.Status)
}

func TestListRecords_MinSpendFilter(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	date := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.store.InsertRecords(ctx, []model.ImportRecord{
		{RunID: runID, RowNumber: 1, Date: date, Campaign: "small", Channel: "search", SpendCents: 500},
		{RunID: runID, RowNumber: 2, Date: date, Campaign: "big", Channel: "search", SpendCents: 150000},
	}))

	resp, err := http.Get(env.server.URL + "/api/runs/" + runID + "/records?min_spend=100.00")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Records []model.ImportRecord `json:"records"`
		Total   int                  `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Records, 1)
	assert.Equal(t, "big", body.Records[0].Campaign)
}

func TestExportRowErrorsCSV(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	require.NoError(t, env.store.InsertRowErrors(ctx, []model.ImportRowError{
		{RunID: runID, RowNumber: 3, Field: "spend", Message: "invalid number", RawRow: map[string]string{"Cost": "abc"}},
	}))

	resp, err := http.Get(env.server.URL + "/api/runs/" + runID + "/errors.csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "row_number,field,message,raw_row")
	assert.Contains(t, string(data), "invalid number")
}

func TestListRuns_FleetFilters(t *testing.T) {
	env := newAPIEnv(t)
	dsID := env.createDataset(t)
	env.createRun(t, dsID)
	env.createRun(t, dsID)

	resp, err := http.Get(env.server.URL + "/api/runs/?status=DRAFT&q=ad-")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Runs  []model.FleetRunItem `json:"runs"`
		Total int                  `json:"total"`
	}](t, resp)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "ad-spend", body.Runs[0].DatasetName)
}

func TestGetRun_IncludesErrorPreview(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	dsID := env.createDataset(t)
	runID := env.createRun(t, dsID)

	resp := env.putJSON(t, "/api/datasets/"+dsID+"/mapping", map[string]any{"mapping": fullMapping()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, env.store.StartRun(ctx, runID, 1))
	attempt, err := env.store.BeginAttempt(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, env.store.InsertRowErrors(ctx, []model.ImportRowError{
		{RunID: runID, RowNumber: 2, Field: "date", Message: "invalid date"},
	}))
	require.NoError(t, env.store.FinishRunSuccess(ctx, runID, attempt.ID, 3, 2, 1, "1 of 3 rows failed validation"))

	resp2, err := http.Get(env.server.URL + "/api/runs/" + runID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	body := decode[struct {
		model.RunProjection
		Errors []model.ImportRowError `json:"errors"`
	}](t, resp2)

	assert.Equal(t, "SUCCEEDED", body.Status)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "date", body.Errors[0].Field)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
