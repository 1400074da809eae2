package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sheetflow/importd/internal/blob"
	"github.com/sheetflow/importd/internal/model"
	"github.com/sheetflow/importd/internal/store"
)

// handleGetRun returns the run projection with a preview of its first row
// errors, enough for a results page without a second request.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	preview := []model.ImportRowError{}
	if run.ErrorRows > 0 {
		if p, err := s.store.ListRowErrors(r.Context(), run.ID, 10); err == nil && p != nil {
			preview = p
		}
	}

	writeJSON(w, http.StatusOK, struct {
		model.RunProjection
		Errors []model.ImportRowError `json:"errors"`
	}{run.Projection(), preview})
}

// handleUpload attaches a CSV file to a DRAFT run. The body is hashed while
// streaming to disk; a file already imported successfully into the same
// dataset is rejected as a duplicate.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.store.GetRun(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.Status != model.RunStatusDraft {
		writeError(w, http.StatusConflict, "CONFLICT", "file can only be uploaded to a DRAFT run")
		return
	}

	// Multipart overhead on top of the file limit.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes+1<<20)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field 'file' is required")
		return
	}
	defer file.Close()

	saved, err := s.blobs.Save(ctx, file)
	if errors.Is(err, blob.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("file exceeds %d bytes", s.cfg.Upload.MaxBytes))
		return
	}
	if err != nil {
		s.log.Error("upload save failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	columns, err := s.readHeader(saved.Path)
	if err != nil {
		s.blobs.Remove(saved.Path) //nolint:errcheck
		writeError(w, http.StatusUnprocessableEntity, "INVALID_FILE", err.Error())
		return
	}

	if dup, err := s.store.FindDuplicateRun(ctx, run.DatasetID, saved.SHA256); err == nil && dup != nil {
		s.blobs.Remove(saved.Path) //nolint:errcheck
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{
				"code":            "DUPLICATE_UPLOAD",
				"message":         "this file was already imported successfully",
				"existing_run_id": dup.ID,
			},
		})
		return
	}

	if err := s.store.SetRunFile(ctx, run.ID, saved.Path, saved.SHA256, saved.SizeBytes); err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sha256":     saved.SHA256,
		"size_bytes": saved.SizeBytes,
		"columns":    columns,
	})
}

// readHeader validates the stored file's header row against the column cap.
func (s *Server) readHeader(path string) ([]string, error) {
	f, err := s.blobs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := blob.NewCSVReader(f)
	columns, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("unreadable CSV header: %w", err)
	}
	if s.cfg.Upload.MaxColumns > 0 && len(columns) > s.cfg.Upload.MaxColumns {
		return nil, fmt.Errorf("file has %d columns (max %d)", len(columns), s.cfg.Upload.MaxColumns)
	}
	return columns, nil
}

// handleGetHeader returns the uploaded file's column names, used by mapping
// editors to offer source columns.
func (s *Server) handleGetHeader(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.FilePath == "" {
		writeError(w, http.StatusUnprocessableEntity, "NO_FILE", "run has no uploaded file")
		return
	}
	columns, err := s.readHeader(run.FilePath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_FILE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": columns})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.store.GetRun(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.FilePath == "" {
		writeError(w, http.StatusUnprocessableEntity, "NO_FILE", "upload a file before starting the run")
		return
	}

	ds, err := s.store.GetDataset(ctx, run.DatasetID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ds.ActiveSchemaVersion == 0 {
		writeError(w, http.StatusUnprocessableEntity, "NO_MAPPING", "configure a mapping before starting the run")
		return
	}

	// The run pins the active schema version; later mapping edits do not
	// affect it.
	if err := s.store.StartRun(ctx, run.ID, ds.ActiveSchemaVersion); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.queue.Enqueue(ctx, run.ID); err != nil {
		s.log.Error("enqueue failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	run, err = s.store.GetRun(ctx, run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Projection())
}

// handleRetryRun re-queues a FAILED run, clearing the DLQ flag. This is the
// operator's lever for dead-lettered runs.
func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")

	if err := s.store.RequeueRun(ctx, runID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.queue.Enqueue(ctx, runID); err != nil {
		s.log.Error("enqueue failed", zap.String("run_id", runID), zap.Error(err))
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Projection())
}

// handleCloneRun creates a fresh DRAFT run over the same uploaded file,
// pinned to the dataset's current schema version. Used to re-import after a
// mapping fix without re-uploading.
func (s *Server) handleCloneRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	src, err := s.store.GetRun(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if src.FilePath == "" {
		writeError(w, http.StatusUnprocessableEntity, "NO_FILE", "source run has no uploaded file")
		return
	}

	ds, err := s.store.GetDataset(ctx, src.DatasetID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ds.ActiveSchemaVersion == 0 {
		writeError(w, http.StatusUnprocessableEntity, "NO_MAPPING", "dataset has no mapping")
		return
	}

	clone, err := s.store.CloneRun(ctx, src, ds.ActiveSchemaVersion)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone.Projection())
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if attempts == nil {
		attempts = []model.ImportRunAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:    model.RunStatus(q.Get("status")),
		DatasetID: q.Get("dataset_id"),
		Query:     q.Get("q"),
	}
	if v := q.Get("dlq"); v != "" {
		dlq := v == "true" || v == "1"
		filter.DLQ = &dlq
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	runs, total, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []model.FleetRunItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": total,
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}

	q := r.URL.Query()
	filter := store.RecordFilter{
		Search:  q.Get("search"),
		Channel: q.Get("channel"),
	}
	if v := q.Get("min_spend"); v != "" {
		cents, err := model.ParseSpend(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "min_spend must be a decimal amount")
			return
		}
		filter.MinSpendCents = &cents
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	records, total, err := s.store.ListRecords(r.Context(), runID, filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []model.ImportRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
	})
}

func (s *Server) handleListRowErrors(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	rowErrors, err := s.store.ListRowErrors(r.Context(), runID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rowErrors == nil {
		rowErrors = []model.ImportRowError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": rowErrors})
}

// handleExportRecords streams the run's accepted records as CSV.
func (s *Server) handleExportRecords(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "records-"+runID+".csv"))

	cw := csv.NewWriter(w)
	cw.Write([]string{"row_number", "date", "campaign", "channel", "spend", "clicks", "conversions"}) //nolint:errcheck

	const pageSize = 1000
	for page := 1; ; page++ {
		records, _, err := s.store.ListRecords(r.Context(), runID, store.RecordFilter{Page: page, PageSize: pageSize})
		if err != nil {
			s.log.Error("export records failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		for _, rec := range records {
			cw.Write([]string{ //nolint:errcheck
				strconv.Itoa(rec.RowNumber),
				rec.Date.Format("2006-01-02"),
				rec.Campaign,
				rec.Channel,
				model.FormatCents(rec.SpendCents),
				strconv.Itoa(rec.Clicks),
				strconv.Itoa(rec.Conversions),
			})
		}
		if len(records) < pageSize {
			break
		}
	}
	cw.Flush()
}

// handleExportRowErrors streams the run's row errors as CSV, raw row
// included so operators can fix the source file.
func (s *Server) handleExportRowErrors(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}

	rowErrors, err := s.store.ListRowErrors(r.Context(), runID, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "errors-"+runID+".csv"))

	cw := csv.NewWriter(w)
	cw.Write([]string{"row_number", "field", "message", "raw_row"}) //nolint:errcheck
	for _, e := range rowErrors {
		raw := ""
		if e.RawRow != nil {
			if b, err := json.Marshal(e.RawRow); err == nil {
				raw = string(b)
			}
		}
		cw.Write([]string{strconv.Itoa(e.RowNumber), e.Field, e.Message, raw}) //nolint:errcheck
	}
	cw.Flush()
}
