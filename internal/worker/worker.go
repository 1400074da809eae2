// Package worker runs the import processing loop: dequeue a run id, claim
// the run, stream its CSV through the mapping/validation engine, and persist
// records, row errors, and progress along the way.
package worker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheetflow/importd/internal/blob"
	"github.com/sheetflow/importd/internal/broadcast"
	"github.com/sheetflow/importd/internal/engine"
	"github.com/sheetflow/importd/internal/model"
	"github.com/sheetflow/importd/internal/queue"
	"github.com/sheetflow/importd/internal/resilience"
	"github.com/sheetflow/importd/internal/store"
)

const (
	errorBatchSize  = 100
	maxTracebackLen = 8000
	maxLastErrorLen = 500
)

// Options tunes the worker pool.
type Options struct {
	Concurrency       int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RecordBatchSize   int
	ProgressBatchSize int
	MaxRows           int
	MaxFieldChars     int
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.RecordBatchSize <= 0 {
		o.RecordBatchSize = 500
	}
	if o.ProgressBatchSize <= 0 {
		o.ProgressBatchSize = 200
	}
}

// FileOpener provides read access to stored upload files. *blob.DiskStore
// satisfies it.
type FileOpener interface {
	Open(path string) (io.ReadCloser, error)
}

// Pool consumes the queue and processes runs.
type Pool struct {
	store store.Store
	blobs FileOpener
	queue queue.Queue
	bus   *broadcast.Broadcaster
	opts  Options
	log   *zap.Logger
}

// NewPool wires a worker pool. Options not set fall back to defaults.
func NewPool(st store.Store, blobs FileOpener, q queue.Queue, bus *broadcast.Broadcaster, opts Options) *Pool {
	opts.applyDefaults()
	return &Pool{
		store: st,
		blobs: blobs,
		queue: q,
		bus:   bus,
		opts:  opts,
		log:   zap.L().Named("worker"),
	}
}

// Run starts the configured number of workers and blocks until the context
// is cancelled or the queue closes.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID int) error {
	log := p.log.With(zap.Int("worker", workerID))
	for {
		runID, err := p.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := p.handle(ctx, runID); err != nil {
			log.Error("run handling failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// handle claims a dequeued run. Redeliveries of runs that already reached a
// terminal state, or that another worker claimed first, are skipped; the
// status guards in the store make this safe under at-least-once delivery.
func (p *Pool) handle(ctx context.Context, runID string) error {
	run, err := p.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("dequeued unknown run", zap.String("run_id", runID))
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case run.Status == model.RunStatusQueued:
		// claim below
	case run.Status == model.RunStatusFailed && !run.DLQ:
		// Backoff redelivery: move the run back to QUEUED before claiming.
		if err := p.store.RequeueRun(ctx, runID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
	default:
		p.log.Debug("skipping redelivery",
			zap.String("run_id", runID),
			zap.String("status", string(run.Status)),
			zap.Bool("dlq", run.DLQ))
		return nil
	}

	attempt, err := p.store.BeginAttempt(ctx, runID)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	return p.process(ctx, runID, attempt)
}

// process executes one attempt end to end and settles the run.
func (p *Pool) process(ctx context.Context, runID string, attempt *model.ImportRunAttempt) error {
	log := p.log.With(zap.String("run_id", runID), zap.Int("attempt", attempt.AttemptNumber))
	log.Info("attempt started")

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return p.settleFailure(ctx, runID, attempt, eris.Wrap(err, "load run"))
	}

	datasetName := ""
	if ds, err := p.store.GetDataset(ctx, run.DatasetID); err == nil {
		datasetName = ds.Name
	}
	prog := &progress{run: run, datasetName: datasetName}
	p.publishProgress(prog, model.RunStatusRunning)

	counts, err := p.executeAttempt(ctx, run, prog)
	if err != nil {
		return p.settleFailure(ctx, runID, attempt, err)
	}

	summary := ""
	if counts.errored > 0 {
		summary = fmt.Sprintf("%d of %d rows failed validation", counts.errored, counts.processed)
	}
	if err := p.store.FinishRunSuccess(ctx, runID, attempt.ID, counts.processed, counts.succeeded, counts.errored, summary); err != nil {
		return p.settleFailure(ctx, runID, attempt, resilience.NewTransient(err))
	}

	log.Info("attempt succeeded",
		zap.Int("processed", counts.processed),
		zap.Int("success", counts.succeeded),
		zap.Int("errors", counts.errored))
	p.publishCompleted(ctx, runID, prog.datasetName)
	return nil
}

type rowCounts struct {
	processed int
	succeeded int
	errored   int
}

// executeAttempt does the two-pass read: count rows first so progress has a
// denominator, then transform and persist. Results from any earlier attempt
// are wiped up front, making a restart from row 1 idempotent.
func (p *Pool) executeAttempt(ctx context.Context, run *model.ImportRun, prog *progress) (rowCounts, error) {
	var counts rowCounts

	if run.SchemaVersion == nil {
		return counts, resilience.NewDeterministic(eris.New("run has no schema version"))
	}
	if run.FilePath == "" {
		return counts, resilience.NewDeterministic(eris.New("run has no uploaded file"))
	}

	sv, err := p.store.GetSchemaVersion(ctx, run.DatasetID, *run.SchemaVersion)
	if errors.Is(err, store.ErrNotFound) {
		return counts, resilience.NewDeterministic(eris.Wrapf(err, "schema version %d missing", *run.SchemaVersion))
	}
	if err != nil {
		return counts, resilience.NewTransient(err)
	}
	if err := sv.Mapping.Validate(); err != nil {
		return counts, resilience.NewDeterministic(eris.Wrap(err, "invalid mapping"))
	}

	if err := p.store.ReplaceRunResults(ctx, run.ID); err != nil {
		return counts, resilience.NewTransient(err)
	}

	totalRows, err := p.countRows(run.FilePath)
	if err != nil {
		return counts, err
	}
	if p.opts.MaxRows > 0 && totalRows > p.opts.MaxRows {
		return counts, resilience.NewDeterministic(
			eris.Errorf("file has %d rows (max %d)", totalRows, p.opts.MaxRows))
	}
	if err := p.store.SetRunTotals(ctx, run.ID, totalRows); err != nil {
		return counts, resilience.NewTransient(err)
	}
	prog.setTotal(totalRows)
	p.publishProgress(prog, model.RunStatusRunning)

	f, err := p.blobs.Open(run.FilePath)
	if err != nil {
		return counts, resilience.NewTransient(err)
	}
	defer f.Close()

	cr := blob.NewCSVReader(f)
	columns, err := cr.Read()
	if err != nil {
		return counts, resilience.NewDeterministic(eris.Wrap(err, "read header"))
	}
	header := engine.NewHeader(columns)

	var records []model.ImportRecord
	var rowErrors []model.ImportRowError

	flushRecords := func() error {
		if err := p.store.InsertRecords(ctx, records); err != nil {
			return resilience.NewTransient(err)
		}
		records = records[:0]
		return nil
	}
	flushErrors := func() error {
		if err := p.store.InsertRowErrors(ctx, rowErrors); err != nil {
			return resilience.NewTransient(err)
		}
		rowErrors = rowErrors[:0]
		return nil
	}
	checkpoint := func() error {
		if err := flushRecords(); err != nil {
			return err
		}
		if err := flushErrors(); err != nil {
			return err
		}
		prog.set(counts)
		if err := p.store.UpdateRunProgress(ctx, run.ID, counts.processed, counts.succeeded, counts.errored, prog.percent()); err != nil {
			return resilience.NewTransient(err)
		}
		p.publishProgress(prog, model.RunStatusRunning)
		return nil
	}

	rowNumber := 0
	for {
		if err := ctx.Err(); err != nil {
			return counts, resilience.NewTransient(err)
		}
		raw, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				// The source stream itself failed, not a line in it; fail the
				// attempt so it can retry instead of looping on the same error.
				return counts, resilience.NewTransient(eris.Wrap(err, "read source file"))
			}
			// A malformed line is a row problem, not a run problem.
			rowNumber++
			counts.processed++
			counts.errored++
			rowErrors = append(rowErrors, model.ImportRowError{
				RunID:     run.ID,
				RowNumber: rowNumber,
				Message:   fmt.Sprintf("unparseable CSV row: %v", err),
			})
			continue
		}

		rowNumber++
		counts.processed++

		row := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(raw) {
				row[col] = raw[i]
			}
		}

		rec, rowErr := engine.Transform(header, row, rowNumber, sv.Mapping, sv.Rules, p.opts.MaxFieldChars)
		if rowErr != nil {
			counts.errored++
			raw := row
			if rowErr.OmitRaw {
				raw = nil
			}
			rowErrors = append(rowErrors, model.ImportRowError{
				RunID:     run.ID,
				RowNumber: rowErr.RowNumber,
				Field:     rowErr.Field,
				Message:   rowErr.Message,
				RawRow:    raw,
			})
		} else {
			counts.succeeded++
			records = append(records, model.ImportRecord{
				RunID:       run.ID,
				RowNumber:   rowNumber,
				Date:        rec.Date,
				Campaign:    rec.Campaign,
				Channel:     rec.Channel,
				SpendCents:  rec.SpendCents,
				Clicks:      rec.Clicks,
				Conversions: rec.Conversions,
			})
		}

		if len(records) >= p.opts.RecordBatchSize {
			if err := flushRecords(); err != nil {
				return counts, err
			}
		}
		if len(rowErrors) >= errorBatchSize {
			if err := flushErrors(); err != nil {
				return counts, err
			}
		}
		if counts.processed%p.opts.ProgressBatchSize == 0 {
			if err := checkpoint(); err != nil {
				return counts, err
			}
		}
	}

	if err := checkpoint(); err != nil {
		return counts, err
	}
	return counts, nil
}

// countRows reads the file once to learn the denominator for progress.
func (p *Pool) countRows(path string) (int, error) {
	f, err := p.blobs.Open(path)
	if err != nil {
		return 0, resilience.NewTransient(err)
	}
	defer f.Close()

	cr := blob.NewCSVReader(f)
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return 0, resilience.NewDeterministic(eris.New("file is empty"))
		}
		return 0, resilience.NewDeterministic(eris.Wrap(err, "read header"))
	}

	n := 0
	for {
		_, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return 0, resilience.NewTransient(eris.Wrap(err, "read source file"))
			}
		}
		// Malformed lines still count: pass two charges them as row errors.
		n++
	}
	return n, nil
}

// settleFailure records the failed attempt and decides what happens next:
// transient failures under the attempt cap get re-queued with backoff. The
// dead letter flag is reserved for retry exhaustion; a deterministic failure
// stays FAILED without it and waits for an operator retry, so dlq=true always
// implies the attempt cap was reached.
func (p *Pool) settleFailure(ctx context.Context, runID string, attempt *model.ImportRunAttempt, cause error) error {
	log := p.log.With(zap.String("run_id", runID), zap.Int("attempt", attempt.AttemptNumber))

	retryable := resilience.IsTransient(cause) && attempt.AttemptNumber < p.opts.MaxAttempts
	dlq := resilience.IsTransient(cause) && !retryable

	msg := truncate(cause.Error(), maxLastErrorLen)
	trace := truncate(eris.ToString(cause, true), maxTracebackLen)

	if err := p.store.FinishRunFailure(ctx, runID, attempt.ID, msg, trace, dlq); err != nil {
		log.Error("failed to record run failure", zap.Error(err))
		return err
	}

	if retryable {
		delay := resilience.Backoff(attempt.AttemptNumber, p.opts.BackoffBase, p.opts.BackoffMax)
		log.Warn("attempt failed, retrying",
			zap.Error(cause),
			zap.Duration("backoff", delay))
		if err := p.queue.EnqueueAfter(ctx, runID, delay); err != nil {
			log.Error("failed to schedule retry", zap.Error(err))
		}
	} else {
		log.Error("attempt failed permanently", zap.Error(cause), zap.Bool("dlq", dlq))
	}

	p.publishCompleted(ctx, runID, "")
	return nil
}

// --- event publishing ---

// progress carries the in-memory view published between store checkpoints.
type progress struct {
	run         *model.ImportRun
	datasetName string
}

func (pr *progress) setTotal(total int) {
	pr.run.TotalRows = &total
}

func (pr *progress) set(c rowCounts) {
	pr.run.ProcessedRows = c.processed
	pr.run.SuccessRows = c.succeeded
	pr.run.ErrorRows = c.errored
	pr.run.ProgressPercent = pr.percent()
}

// percent caps at 99 before the terminal transition; only a finished run
// reports 100.
func (pr *progress) percent() int {
	if pr.run.TotalRows == nil || *pr.run.TotalRows == 0 {
		return 0
	}
	pct := pr.run.ProcessedRows * 100 / *pr.run.TotalRows
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (p *Pool) publishProgress(prog *progress, status model.RunStatus) {
	prog.run.Status = status
	prog.run.UpdatedAt = time.Now().UTC()
	proj := prog.run.Projection()
	p.bus.PublishRun(prog.run.ID, broadcast.RunProgress{Run: proj})
	p.bus.PublishFleet(fleetItem(prog.run, prog.datasetName))
}

// publishCompleted reads the settled run back so the terminal event carries
// exactly what the store recorded.
func (p *Pool) publishCompleted(ctx context.Context, runID, datasetName string) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		p.log.Warn("cannot publish completion", zap.String("run_id", runID), zap.Error(err))
		return
	}
	p.bus.PublishRun(runID, broadcast.RunCompleted{Run: run.Projection()})
	p.bus.PublishFleet(fleetItem(run, datasetName))
}

func fleetItem(run *model.ImportRun, datasetName string) model.FleetRunItem {
	return model.FleetRunItem{
		ID:              run.ID,
		DatasetID:       run.DatasetID,
		DatasetName:     datasetName,
		Status:          string(run.Status),
		ProgressPercent: run.ProgressPercent,
		ProcessedRows:   run.ProcessedRows,
		TotalRows:       run.TotalRows,
		AttemptCount:    run.AttemptCount,
		DLQ:             run.DLQ,
		LastError:       run.LastError,
		UpdatedAt:       run.UpdatedAt,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
