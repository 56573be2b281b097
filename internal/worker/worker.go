// Package worker implements the task consumption loop that drives crawling,
// routing, and pipeline execution.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/metrics"
)

// Handler processes one dequeued task.
type Handler func(ctx context.Context, task ingest.Task) error

// Config controls Worker behavior.
type Config struct {
	// Concurrency is the number of concurrent consumer loops.
	Concurrency int
}

// Worker consumes queue tasks and dispatches them to type handlers. Failed
// tasks are not redelivered here; each handler owns its retry semantics.
type Worker struct {
	queue    ingest.TaskQueue
	handlers map[ingest.TaskType]Handler
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue ingest.TaskQueue, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Worker{
		queue:    queue,
		handlers: make(map[ingest.TaskType]Handler),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register binds a handler to a task type. Registration must finish before
// Run starts; the map is not guarded.
func (w *Worker) Register(taskType ingest.TaskType, handler Handler) {
	w.handlers[taskType] = handler
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.dispatch(ctx, task)
	}
}

func (w *Worker) dispatch(ctx context.Context, task ingest.Task) {
	handler, ok := w.handlers[task.Type]
	if !ok {
		w.logger.Error("no handler for task type", zap.String("type", string(task.Type)))
		metrics.RecordTask(string(task.Type), "unhandled")
		return
	}

	start := time.Now()
	err := handler(ctx, task)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordTask(string(task.Type), "error")
		w.logger.Error("task failed",
			zap.String("type", string(task.Type)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	metrics.RecordTask(string(task.Type), "ok")
	w.logger.Debug("task processed",
		zap.String("type", string(task.Type)),
		zap.Duration("elapsed", elapsed),
	)
}
