// Package router turns fetched content into agent-owned documents and hands
// them to the processing pipeline.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/crawl"
	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/progress"
)

// Router creates or refreshes the Document for a fetched URL and enqueues the
// first pipeline step. A fetched URL fans out to every agent holding a
// document for it; one fetch serves all consumers.
type Router struct {
	crawls  ingest.CrawlStore
	docs    ingest.DocumentStore
	queue   ingest.TaskQueue
	ids     ingest.IDGenerator
	clock   ingest.Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// New constructs a Router.
func New(
	crawls ingest.CrawlStore,
	docs ingest.DocumentStore,
	queue ingest.TaskQueue,
	ids ingest.IDGenerator,
	clock ingest.Clock,
	logger *zap.Logger,
) *Router {
	return &Router{
		crawls: crawls,
		docs:   docs,
		queue:  queue,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// SetProgress attaches an optional progress emitter so completion events won
// by the routing path are still reported. Attach before any task flows.
func (r *Router) SetProgress(emitter progress.Emitter) {
	r.emitter = emitter
}

// HandleRoute executes one route_content task: resolve the fetched content to
// a document for the campaign's agent, restart its pipeline from step zero,
// propagate the refresh to sibling agents' documents, and settle the entry.
func (r *Router) HandleRoute(ctx context.Context, task ingest.Task) error {
	var payload ingest.RouteContentPayload
	if err := task.DecodePayload(&payload); err != nil {
		return err
	}

	entry, err := r.crawls.GetEntry(ctx, payload.EntryID)
	if err != nil {
		return fmt.Errorf("load entry %s: %w", payload.EntryID, err)
	}
	cu, err := r.crawls.GetCrawledURL(ctx, entry.URLHash)
	if err != nil {
		return fmt.Errorf("load crawled url for %s: %w", entry.URL, err)
	}
	agent, err := r.docs.GetAgent(ctx, payload.AgentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", payload.AgentID, err)
	}

	doc, err := r.routeToAgent(ctx, cu, agent)
	if err != nil {
		return err
	}
	if err = r.enqueueFirstStep(ctx, doc.ID); err != nil {
		return err
	}
	r.propagateToSiblings(ctx, cu, agent.ID)

	entry.Status = ingest.EntryStatusIndexed
	if err = r.crawls.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("mark entry indexed: %w", err)
	}
	if err = r.crawls.IncrementCounters(ctx, payload.CrawlID, ingest.CrawlCounters{PagesIndexed: 1}); err != nil {
		return fmt.Errorf("increment indexed: %w", err)
	}
	r.logger.Info("content routed",
		zap.String("url", entry.URL),
		zap.String("agent_id", agent.ID),
		zap.String("document_id", doc.ID),
	)
	return crawl.CheckCompletion(ctx, r.crawls, r.logger, r.emitter, payload.CrawlID)
}

// RouteUpload creates a document for directly uploaded content and enqueues
// its pipeline. Uploads bypass the crawler entirely.
func (r *Router) RouteUpload(ctx context.Context, agentID, storagePath, contentType string) (ingest.Document, error) {
	agent, err := r.docs.GetAgent(ctx, agentID)
	if err != nil {
		return ingest.Document{}, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	docType, err := TypeForContent(contentType)
	if err != nil {
		return ingest.Document{}, err
	}
	docID, err := r.ids.NewID()
	if err != nil {
		return ingest.Document{}, err
	}
	doc := ingest.Document{
		ID:            docID,
		AgentID:       agent.ID,
		StoragePath:   storagePath,
		Type:          docType,
		Extraction:    extractionFor(docType, agent),
		ChunkStrategy: strategyFor(agent),
		Status:        ingest.ExtractionPending,
		Pipeline:      newPipelineState(PlanSteps(docType)),
	}
	if err = r.docs.CreateDocument(ctx, doc); err != nil {
		return ingest.Document{}, fmt.Errorf("create document: %w", err)
	}
	if err = r.enqueueFirstStep(ctx, doc.ID); err != nil {
		return ingest.Document{}, err
	}
	return doc, nil
}

// routeToAgent finds or creates the document for a (crawled URL, agent) pair.
// An existing document is refreshed in place and its pipeline restarted from
// step zero.
func (r *Router) routeToAgent(ctx context.Context, cu ingest.CrawledURL, agent ingest.Agent) (ingest.Document, error) {
	docType, err := TypeForContent(cu.ContentType)
	if err != nil {
		return ingest.Document{}, err
	}

	doc, err := r.docs.FindDocument(ctx, cu.ID, agent.ID)
	if err == nil {
		refreshDocument(&doc, cu, docType, agent)
		if err = r.docs.UpdateDocument(ctx, doc); err != nil {
			return ingest.Document{}, fmt.Errorf("refresh document: %w", err)
		}
		return doc, nil
	}

	docID, err := r.ids.NewID()
	if err != nil {
		return ingest.Document{}, err
	}
	doc = ingest.Document{
		ID:            docID,
		AgentID:       agent.ID,
		CrawledURLID:  cu.ID,
		SourceURL:     cu.URL,
		StoragePath:   cu.StoragePath,
		Type:          docType,
		Extraction:    extractionFor(docType, agent),
		ChunkStrategy: strategyFor(agent),
		Status:        ingest.ExtractionPending,
		Pipeline:      newPipelineState(PlanSteps(docType)),
	}
	if err = r.docs.CreateDocument(ctx, doc); err != nil {
		return ingest.Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// propagateToSiblings restarts the pipeline of every other agent's document
// for the same crawled URL. Best-effort: a sibling failure only logs.
func (r *Router) propagateToSiblings(ctx context.Context, cu ingest.CrawledURL, routedAgentID string) {
	siblings, err := r.docs.ListDocumentsByCrawledURL(ctx, cu.ID)
	if err != nil {
		r.logger.Warn("list sibling documents failed", zap.String("crawled_url_id", cu.ID), zap.Error(err))
		return
	}
	for _, sibling := range siblings {
		if sibling.AgentID == routedAgentID {
			continue
		}
		agent, err := r.docs.GetAgent(ctx, sibling.AgentID)
		if err != nil {
			r.logger.Warn("load sibling agent failed", zap.String("agent_id", sibling.AgentID), zap.Error(err))
			continue
		}
		docType, err := TypeForContent(cu.ContentType)
		if err != nil {
			continue
		}
		refreshDocument(&sibling, cu, docType, agent)
		if err = r.docs.UpdateDocument(ctx, sibling); err != nil {
			r.logger.Warn("refresh sibling document failed", zap.String("document_id", sibling.ID), zap.Error(err))
			continue
		}
		if err = r.enqueueFirstStep(ctx, sibling.ID); err != nil {
			r.logger.Warn("enqueue sibling pipeline failed", zap.String("document_id", sibling.ID), zap.Error(err))
		}
	}
}

func (r *Router) enqueueFirstStep(ctx context.Context, docID string) error {
	task, err := ingest.NewTask(ingest.TaskPipelineStep, ingest.PipelineStepPayload{
		DocumentID: docID,
		StepIndex:  0,
	})
	if err != nil {
		return err
	}
	if err = r.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue pipeline step: %w", err)
	}
	return nil
}

// refreshDocument points an existing document at the latest fetched content
// and resets its pipeline so processing restarts from step zero.
func refreshDocument(doc *ingest.Document, cu ingest.CrawledURL, docType ingest.DocumentType, agent ingest.Agent) {
	doc.StoragePath = cu.StoragePath
	doc.SourceURL = cu.URL
	doc.Type = docType
	doc.Extraction = extractionFor(docType, agent)
	doc.ChunkStrategy = strategyFor(agent)
	doc.Status = ingest.ExtractionPending
	doc.Pipeline = newPipelineState(PlanSteps(docType))
	doc.Indexed = false
	doc.IndexedAt = nil
}

// TypeForContent maps an HTTP content type to a document type.
func TypeForContent(contentType string) (ingest.DocumentType, error) {
	base := contentType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.ToLower(base))
	switch {
	case base == "text/html" || base == "application/xhtml+xml":
		return ingest.DocTypeHTML, nil
	case base == "application/pdf":
		return ingest.DocTypePDF, nil
	case strings.HasPrefix(base, "image/"):
		return ingest.DocTypeImage, nil
	case base == "text/markdown":
		return ingest.DocTypeMarkdown, nil
	case base == "text/plain":
		return ingest.DocTypeText, nil
	default:
		return "", fmt.Errorf("no document type for content type %q", contentType)
	}
}

// PlanSteps returns the ordered pipeline for a document type. Every plan ends
// with the chunk-and-embed step.
func PlanSteps(docType ingest.DocumentType) []string {
	switch docType {
	case ingest.DocTypeHTML:
		return []string{ingest.StepHTMLToMarkdown, ingest.StepMarkdownToQR}
	case ingest.DocTypePDF:
		return []string{ingest.StepPDFToImages, ingest.StepImagesToMarkdown, ingest.StepMarkdownToQR}
	case ingest.DocTypeImage:
		return []string{ingest.StepImagesToMarkdown, ingest.StepMarkdownToQR}
	default:
		return []string{ingest.StepMarkdownToQR}
	}
}

// extractionFor forces OCR for images; other types use the agent's default.
func extractionFor(docType ingest.DocumentType, agent ingest.Agent) ingest.ExtractionMethod {
	if docType == ingest.DocTypeImage {
		return ingest.ExtractOCR
	}
	if agent.Extraction != "" {
		return agent.Extraction
	}
	return ingest.ExtractMarkdown
}

func strategyFor(agent ingest.Agent) ingest.ChunkStrategy {
	if agent.ChunkStrategy != "" {
		return agent.ChunkStrategy
	}
	return ingest.ChunkByMarkdown
}

func newPipelineState(steps []string) ingest.PipelineState {
	records := make([]ingest.PipelineStep, len(steps))
	for i, name := range steps {
		records[i] = ingest.PipelineStep{Name: name, Status: ingest.StepPending}
	}
	return ingest.PipelineState{Status: ingest.StepPending, Steps: records}
}
