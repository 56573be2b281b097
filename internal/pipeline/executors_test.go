package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/ingest"
	storagemem "github.com/ragline/ragline/internal/storage/memory"
	visionmock "github.com/ragline/ragline/internal/vision/mock"
)

// fakeRasterizer pretends to be pdftoppm/imagemagick by dropping page files
// into the scratch directory.
type fakeRasterizer struct {
	pages    int
	commands []string
	args     [][]string
}

func (f *fakeRasterizer) Run(_ context.Context, workDir string, name string, args ...string) error {
	f.commands = append(f.commands, name)
	f.args = append(f.args, args)
	for i := 1; i <= f.pages; i++ {
		page := filepath.Join(workDir, fmt.Sprintf("page-%02d.png", i))
		if err := os.WriteFile(page, []byte("png-bytes"), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func pdfDocument(config map[string]any) ingest.Document {
	return ingest.Document{
		ID:          "doc-pdf",
		AgentID:     "agent-1",
		StoragePath: "pages/p/doc.pdf",
		Type:        ingest.DocTypePDF,
		Pipeline: ingest.PipelineState{
			Steps: []ingest.PipelineStep{
				{Name: ingest.StepPDFToImages, Config: config, Status: ingest.StepPending},
				{Name: ingest.StepImagesToMarkdown, Status: ingest.StepPending},
				{Name: ingest.StepMarkdownToQR, Status: ingest.StepPending},
			},
		},
	}
}

func TestPDFToImagesStoresPageArtifacts(t *testing.T) {
	blobs := storagemem.New()
	_, err := blobs.Put(context.Background(), "pages/p/doc.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	runner := &fakeRasterizer{pages: 3}
	exec := NewPDFToImages(blobs, runner, PDFConfig{})

	result, err := exec.Execute(context.Background(), pdfDocument(nil), ingest.PipelineStep{})
	require.NoError(t, err)
	assert.Equal(t, ToolPdftoppm, result.Tool)
	assert.Equal(t, []string{"pdftoppm"}, runner.commands)
	require.Len(t, result.OutputData, 3)
	for _, page := range result.OutputData {
		exists, err := blobs.Exists(context.Background(), page)
		require.NoError(t, err)
		assert.True(t, exists)
	}
}

func TestPDFToImagesToolSelection(t *testing.T) {
	blobs := storagemem.New()
	_, err := blobs.Put(context.Background(), "pages/p/doc.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	runner := &fakeRasterizer{pages: 1}
	exec := NewPDFToImages(blobs, runner, PDFConfig{})

	doc := pdfDocument(map[string]any{"tool": ToolImagemagick})
	result, err := exec.Execute(context.Background(), doc, ingest.PipelineStep{})
	require.NoError(t, err)
	assert.Equal(t, ToolImagemagick, result.Tool)
	assert.Equal(t, []string{"convert"}, runner.commands)
}

func TestPDFToImagesUsesConfiguredTool(t *testing.T) {
	blobs := storagemem.New()
	_, err := blobs.Put(context.Background(), "pages/p/doc.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	runner := &fakeRasterizer{pages: 1}
	exec := NewPDFToImages(blobs, runner, PDFConfig{Tool: ToolImagemagick, DPI: 72})

	result, err := exec.Execute(context.Background(), pdfDocument(nil), ingest.PipelineStep{})
	require.NoError(t, err)
	assert.Equal(t, ToolImagemagick, result.Tool)
	assert.Equal(t, []string{"convert"}, runner.commands)
	require.Len(t, runner.args, 1)
	assert.Contains(t, runner.args[0], "-density")
	assert.Contains(t, runner.args[0], "72")
}

func TestPDFToImagesFailsWithoutPages(t *testing.T) {
	blobs := storagemem.New()
	_, err := blobs.Put(context.Background(), "pages/p/doc.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	exec := NewPDFToImages(blobs, &fakeRasterizer{pages: 0}, PDFConfig{})
	_, err = exec.Execute(context.Background(), pdfDocument(nil), ingest.PipelineStep{})
	assert.Error(t, err)
}

func TestImagesToMarkdownJoinsPages(t *testing.T) {
	blobs := storagemem.New()
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, err := blobs.Put(ctx, fmt.Sprintf("artifacts/doc-pdf/pages/page-%03d.png", i), "image/png", []byte("png"))
		require.NoError(t, err)
	}
	vision := visionmock.New("## Page content")
	exec := NewImagesToMarkdown(blobs, vision)

	prev := ingest.PipelineStep{
		Name: ingest.StepPDFToImages,
		OutputData: []string{
			"artifacts/doc-pdf/pages/page-001.png",
			"artifacts/doc-pdf/pages/page-002.png",
		},
	}
	result, err := exec.Execute(ctx, pdfDocument(nil), prev)
	require.NoError(t, err)
	assert.Equal(t, 2, vision.Calls(), "one transcription per page")
	assert.NotEmpty(t, result.OutputPath)

	markdown, err := blobs.Get(ctx, result.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "## Page content")
}

func TestImagesToMarkdownFallsBackToDocumentImage(t *testing.T) {
	blobs := storagemem.New()
	ctx := context.Background()
	_, err := blobs.Put(ctx, "pages/i/photo.png", "image/png", []byte("png"))
	require.NoError(t, err)

	vision := visionmock.New("A diagram of the deployment topology.")
	exec := NewImagesToMarkdown(blobs, vision)

	doc := ingest.Document{
		ID:          "doc-img",
		StoragePath: "pages/i/photo.png",
		Type:        ingest.DocTypeImage,
	}
	result, err := exec.Execute(ctx, doc, ingest.PipelineStep{})
	require.NoError(t, err)
	assert.Equal(t, 1, vision.Calls())

	markdown, err := blobs.Get(ctx, result.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "deployment topology")
}
