package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sheetflow/importd/internal/blob"
	"github.com/sheetflow/importd/internal/broadcast"
	"github.com/sheetflow/importd/internal/model"
	"github.com/sheetflow/importd/internal/queue"
	"github.com/sheetflow/importd/internal/store"
	"github.com/sheetflow/importd/internal/worker"
)

// pipelineEnv bundles the shared subsystems behind the serve and worker
// commands.
type pipelineEnv struct {
	store store.Store
	blobs *blob.DiskStore
	queue *queue.Memory
	bus   *broadcast.Broadcaster
}

func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	var st store.Store
	var err error
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	blobs, err := blob.NewDiskStore(cfg.Upload.Root, cfg.Upload.MaxBytes)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	return &pipelineEnv{
		store: st,
		blobs: blobs,
		queue: queue.NewMemory(1024),
		bus:   broadcast.New(),
	}, nil
}

func (e *pipelineEnv) Close() {
	e.queue.Close() //nolint:errcheck
	if err := e.store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

func (e *pipelineEnv) workerPool() *worker.Pool {
	return worker.NewPool(e.store, e.blobs, e.queue, e.bus, worker.Options{
		Concurrency:       cfg.Worker.Concurrency,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		BackoffBase:       cfg.Worker.BackoffBase,
		BackoffMax:        cfg.Worker.BackoffMax,
		RecordBatchSize:   cfg.Worker.RecordBatchSize,
		ProgressBatchSize: cfg.Worker.ProgressBatchSize,
		MaxRows:           cfg.Upload.MaxRows,
		MaxFieldChars:     cfg.Upload.MaxFieldChars,
	})
}

// recoverRuns re-enqueues runs stranded by a restart. The queue lives in
// memory, so QUEUED runs, FAILED runs awaiting a retry timer, and RUNNING
// runs whose worker died mid-attempt are all lost with the process.
func (e *pipelineEnv) recoverRuns(ctx context.Context) error {
	notDLQ := false
	filters := []store.RunFilter{
		{Status: model.RunStatusQueued},
		{Status: model.RunStatusFailed, DLQ: &notDLQ},
	}
	for _, filter := range filters {
		filter.PageSize = 200
		for page := 1; ; page++ {
			filter.Page = page
			runs, _, err := e.store.ListRuns(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "recover stranded runs")
			}
			for _, run := range runs {
				if err := e.queue.Enqueue(ctx, run.ID); err != nil {
					return err
				}
				zap.L().Info("recovered stranded run",
					zap.String("run_id", run.ID),
					zap.String("status", string(filter.Status)))
			}
			if len(runs) < 200 {
				break
			}
		}
	}
	return e.recoverOrphanedRunning(ctx)
}

// recoverOrphanedRunning handles runs left RUNNING by a crash. No worker can
// own a run before the pool starts, so every RUNNING run is an orphan: its
// dangling attempt is closed as failed and the run goes back on the queue.
// The listing repeats from page one because each swept run leaves RUNNING.
func (e *pipelineEnv) recoverOrphanedRunning(ctx context.Context) error {
	for {
		runs, _, err := e.store.ListRuns(ctx, store.RunFilter{
			Status:   model.RunStatusRunning,
			PageSize: 200,
		})
		if err != nil {
			return eris.Wrap(err, "recover orphaned runs")
		}
		if len(runs) == 0 {
			return nil
		}
		for _, run := range runs {
			attempts, err := e.store.ListAttempts(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "recover orphaned runs")
			}
			for _, a := range attempts {
				if a.Status == model.AttemptStatusRunning {
					if err := e.store.FinishRunFailure(ctx, run.ID, a.ID,
						"worker process restarted mid-attempt", "", false); err != nil {
						return eris.Wrap(err, "recover orphaned runs")
					}
					break
				}
			}
			if err := e.queue.Enqueue(ctx, run.ID); err != nil {
				return err
			}
			zap.L().Info("recovered orphaned run", zap.String("run_id", run.ID))
		}
	}
}
