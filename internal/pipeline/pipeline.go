// Package pipeline runs the per-document transformation state machine: raw
// content to Markdown to chunks to vectors, one asynchronous task per step.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/metrics"
)

// IndexedTopic receives an event each time a document finishes indexing.
const IndexedTopic = "documents.indexed"

// StepResult is what an executor hands back on success.
type StepResult struct {
	Tool          string
	OutputSummary string
	OutputPath    string
	OutputData    []string
	ChunkCount    int
	Indexed       bool
}

// StepExecutor performs one named transformation. Executors must be
// idempotent: a re-run recomputes from the document's persisted state.
type StepExecutor interface {
	Name() string
	Execute(ctx context.Context, doc ingest.Document, prev ingest.PipelineStep) (StepResult, error)
}

// IndexedEvent is published when a document becomes searchable.
type IndexedEvent struct {
	DocumentID string `json:"document_id"`
	AgentID    string `json:"agent_id"`
	SourceURL  string `json:"source_url,omitempty"`
	ChunkCount int    `json:"chunk_count"`
}

// Orchestrator advances documents through their pipeline steps. Each step is
// one task; a step dispatches its successor only on its own success path, so
// step N+1 never starts before step N succeeded.
type Orchestrator struct {
	docs     ingest.DocumentStore
	queue    ingest.TaskQueue
	clock    ingest.Clock
	pub      ingest.Publisher
	registry map[string]StepExecutor
	logger   *zap.Logger
}

// New constructs an Orchestrator. The publisher may be nil when no event
// transport is deployed.
func New(
	docs ingest.DocumentStore,
	queue ingest.TaskQueue,
	clock ingest.Clock,
	pub ingest.Publisher,
	logger *zap.Logger,
	executors ...StepExecutor,
) *Orchestrator {
	registry := make(map[string]StepExecutor, len(executors))
	for _, exec := range executors {
		registry[exec.Name()] = exec
	}
	return &Orchestrator{
		docs:     docs,
		queue:    queue,
		clock:    clock,
		pub:      pub,
		registry: registry,
		logger:   logger,
	}
}

// HandleStep executes one pipeline_step task against the document's current
// persisted state.
func (p *Orchestrator) HandleStep(ctx context.Context, task ingest.Task) error {
	var payload ingest.PipelineStepPayload
	if err := task.DecodePayload(&payload); err != nil {
		return err
	}

	doc, err := p.docs.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", payload.DocumentID, err)
	}
	i := payload.StepIndex
	if i < 0 || i >= len(doc.Pipeline.Steps) {
		return fmt.Errorf("document %s has no step %d", doc.ID, i)
	}
	var prev ingest.PipelineStep
	if i > 0 {
		prev = doc.Pipeline.Steps[i-1]
		if prev.Status != ingest.StepSuccess {
			return fmt.Errorf("step %d of document %s cannot start: predecessor %q is %s",
				i, doc.ID, prev.Name, prev.Status)
		}
	}

	step := &doc.Pipeline.Steps[i]
	now := p.clock.Now()
	step.Status = ingest.StepRunning
	step.ErrorMessage = ""
	step.InputSummary = inputSummary(doc, prev)
	doc.Pipeline.Status = ingest.StepRunning
	if doc.Pipeline.StartedAt == nil {
		doc.Pipeline.StartedAt = &now
	}
	doc.Status = ingest.ExtractionProcessing
	if err = p.docs.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	exec, ok := p.registry[step.Name]
	if !ok {
		return p.failStep(ctx, doc, i, 0, fmt.Errorf("no executor registered for step %q", step.Name))
	}

	started := p.clock.Now()
	result, execErr := exec.Execute(ctx, doc, prev)
	elapsed := p.clock.Now().Sub(started)
	if execErr != nil {
		metrics.ObserveStep(step.Name, "error", elapsed)
		return p.failStep(ctx, doc, i, elapsed, execErr)
	}
	metrics.ObserveStep(step.Name, "success", elapsed)

	step.Status = ingest.StepSuccess
	step.Tool = result.Tool
	step.OutputSummary = result.OutputSummary
	step.OutputPath = result.OutputPath
	step.OutputData = result.OutputData
	step.DurationMs = elapsed.Milliseconds()

	last := i == len(doc.Pipeline.Steps)-1
	if last {
		return p.finishDocument(ctx, doc, result)
	}

	if err = p.docs.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("record step success: %w", err)
	}
	if doc.ManualAdvance {
		p.logger.Info("pipeline awaiting manual advance",
			zap.String("document_id", doc.ID),
			zap.String("step", step.Name),
		)
		return nil
	}
	return p.enqueueStep(ctx, doc.ID, i+1)
}

// Advance re-triggers the first unfinished step of a document's pipeline.
// Used for manual advancement and retry-after-error; concurrent triggers of
// the same step are not guarded.
func (p *Orchestrator) Advance(ctx context.Context, docID string) error {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	for i, step := range doc.Pipeline.Steps {
		if step.Status != ingest.StepSuccess {
			return p.enqueueStep(ctx, docID, i)
		}
	}
	return fmt.Errorf("document %s has no step left to run", docID)
}

func (p *Orchestrator) finishDocument(ctx context.Context, doc ingest.Document, result StepResult) error {
	now := p.clock.Now()
	doc.Pipeline.Status = ingest.StepSuccess
	doc.Pipeline.CompletedAt = &now
	doc.Status = ingest.ExtractionCompleted
	doc.ChunkCount = result.ChunkCount
	if result.Indexed {
		doc.Indexed = true
		doc.IndexedAt = &now
		metrics.RecordDocument("indexed")
	} else {
		doc.Indexed = false
		doc.IndexedAt = nil
		metrics.RecordDocument("not_indexed")
	}
	if err := p.docs.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("record pipeline completion: %w", err)
	}
	p.logger.Info("pipeline completed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", doc.ChunkCount),
		zap.Bool("indexed", doc.Indexed),
	)
	if doc.Indexed {
		p.publishIndexed(ctx, doc)
	}
	return nil
}

func (p *Orchestrator) failStep(ctx context.Context, doc ingest.Document, i int, elapsed time.Duration, cause error) error {
	step := &doc.Pipeline.Steps[i]
	step.Status = ingest.StepError
	step.ErrorMessage = cause.Error()
	step.DurationMs = elapsed.Milliseconds()
	doc.Pipeline.Status = ingest.StepError
	doc.Status = ingest.ExtractionFailed
	if err := p.docs.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("record step failure: %w", err)
	}
	metrics.RecordDocument("failed")
	p.logger.Error("pipeline step failed",
		zap.String("document_id", doc.ID),
		zap.String("step", step.Name),
		zap.Error(cause),
	)
	return fmt.Errorf("step %s of document %s: %w", step.Name, doc.ID, cause)
}

func (p *Orchestrator) enqueueStep(ctx context.Context, docID string, index int) error {
	task, err := ingest.NewTask(ingest.TaskPipelineStep, ingest.PipelineStepPayload{
		DocumentID: docID,
		StepIndex:  index,
	})
	if err != nil {
		return err
	}
	if err = p.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue step %d: %w", index, err)
	}
	return nil
}

func (p *Orchestrator) publishIndexed(ctx context.Context, doc ingest.Document) {
	if p.pub == nil {
		return
	}
	event := IndexedEvent{
		DocumentID: doc.ID,
		AgentID:    doc.AgentID,
		SourceURL:  doc.SourceURL,
		ChunkCount: doc.ChunkCount,
	}
	if _, err := p.pub.Publish(ctx, IndexedTopic, event); err != nil {
		p.logger.Warn("publish indexed event failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

// inputSummary names what the step is about to consume.
func inputSummary(doc ingest.Document, prev ingest.PipelineStep) string {
	switch {
	case prev.OutputPath != "":
		return "artifact " + prev.OutputPath
	case len(prev.OutputData) > 0:
		return fmt.Sprintf("%d artifacts from %s", len(prev.OutputData), prev.Name)
	default:
		return "source " + doc.StoragePath
	}
}
