package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ragline/ragline/internal/ingest"
)

const visionPrompt = "Transcribe this page into clean Markdown. Preserve " +
	"headings, lists, and tables. Describe figures in one sentence. Output " +
	"only the Markdown."

// ImagesToMarkdown sends page images through a multimodal model and joins
// the per-page transcriptions into one Markdown artifact.
type ImagesToMarkdown struct {
	blobs  ingest.BlobStore
	vision ingest.VisionModel
}

// NewImagesToMarkdown constructs the images_to_markdown executor.
func NewImagesToMarkdown(blobs ingest.BlobStore, vision ingest.VisionModel) *ImagesToMarkdown {
	return &ImagesToMarkdown{blobs: blobs, vision: vision}
}

// Name implements StepExecutor.
func (e *ImagesToMarkdown) Name() string { return ingest.StepImagesToMarkdown }

// Execute transcribes the predecessor's page images, or the document's own
// content when the document is a standalone image.
func (e *ImagesToMarkdown) Execute(ctx context.Context, doc ingest.Document, prev ingest.PipelineStep) (StepResult, error) {
	imagePaths := prev.OutputData
	if len(imagePaths) == 0 {
		imagePaths = []string{doc.StoragePath}
	}

	var sections []string
	for i, imagePath := range imagePaths {
		data, err := e.blobs.Get(ctx, imagePath)
		if err != nil {
			return StepResult{}, fmt.Errorf("read image %s: %w", imagePath, err)
		}
		text, err := e.vision.Describe(ctx, visionPrompt, [][]byte{data})
		if err != nil {
			return StepResult{}, fmt.Errorf("transcribe image %d of %d: %w", i+1, len(imagePaths), err)
		}
		text = strings.TrimSpace(text)
		if text != "" {
			sections = append(sections, text)
		}
	}
	if len(sections) == 0 {
		return StepResult{}, fmt.Errorf("no text recovered from %d images", len(imagePaths))
	}

	markdown := strings.Join(sections, "\n\n")
	outPath := artifactPath(doc.ID, "content.md")
	if _, err := e.blobs.Put(ctx, outPath, "text/markdown", []byte(markdown)); err != nil {
		return StepResult{}, fmt.Errorf("store markdown artifact: %w", err)
	}

	return StepResult{
		Tool:          "vision-llm",
		OutputSummary: fmt.Sprintf("%d of %d images transcribed, %d bytes markdown", len(sections), len(imagePaths), len(markdown)),
		OutputPath:    outPath,
	}, nil
}
