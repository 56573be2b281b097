package pipeline

import (
	"context"
	"fmt"
	"path"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/ragline/ragline/internal/ingest"
)

// HTMLToMarkdown converts raw fetched HTML into normalized Markdown, stored
// as a durable artifact.
type HTMLToMarkdown struct {
	blobs     ingest.BlobStore
	converter *md.Converter
}

// NewHTMLToMarkdown constructs the html_to_markdown executor.
func NewHTMLToMarkdown(blobs ingest.BlobStore) *HTMLToMarkdown {
	return &HTMLToMarkdown{
		blobs:     blobs,
		converter: md.NewConverter("", true, nil),
	}
}

// Name implements StepExecutor.
func (e *HTMLToMarkdown) Name() string { return ingest.StepHTMLToMarkdown }

// Execute reads the document's raw HTML, converts it, and writes the
// Markdown artifact.
func (e *HTMLToMarkdown) Execute(ctx context.Context, doc ingest.Document, _ ingest.PipelineStep) (StepResult, error) {
	raw, err := e.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return StepResult{}, fmt.Errorf("read source html: %w", err)
	}
	markdown, err := e.converter.ConvertString(string(raw))
	if err != nil {
		return StepResult{}, fmt.Errorf("convert html: %w", err)
	}
	outPath := artifactPath(doc.ID, "content.md")
	if _, err = e.blobs.Put(ctx, outPath, "text/markdown", []byte(markdown)); err != nil {
		return StepResult{}, fmt.Errorf("store markdown artifact: %w", err)
	}
	return StepResult{
		Tool:          "html-to-markdown",
		OutputSummary: fmt.Sprintf("%d bytes html to %d bytes markdown", len(raw), len(markdown)),
		OutputPath:    outPath,
	}, nil
}

func artifactPath(docID string, name string) string {
	return path.Join("artifacts", docID, name)
}
