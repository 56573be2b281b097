package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ragline/ragline/internal/ingest"
)

// Page-rasterization tools the pdf_to_images step can drive.
const (
	ToolPdftoppm    = "pdftoppm"
	ToolImagemagick = "imagemagick"
)

// CommandRunner executes an external tool. Abstracted so tests can run the
// step without poppler or imagemagick installed.
type CommandRunner interface {
	Run(ctx context.Context, workDir string, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, workDir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PDFConfig selects the rasterization tool and render density. Zero values
// fall back to pdftoppm at 150 DPI.
type PDFConfig struct {
	Tool string
	DPI  int
}

// PDFToImages rasterizes each PDF page into a PNG artifact. The external
// tool comes from the service config; a per-step `tool` override wins.
type PDFToImages struct {
	blobs  ingest.BlobStore
	runner CommandRunner
	tool   string
	dpi    int
}

// NewPDFToImages constructs the pdf_to_images executor. A nil runner uses
// the real tools via os/exec.
func NewPDFToImages(blobs ingest.BlobStore, runner CommandRunner, cfg PDFConfig) *PDFToImages {
	if runner == nil {
		runner = execRunner{}
	}
	if cfg.Tool == "" {
		cfg.Tool = ToolPdftoppm
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	return &PDFToImages{blobs: blobs, runner: runner, tool: cfg.Tool, dpi: cfg.DPI}
}

// Name implements StepExecutor.
func (e *PDFToImages) Name() string { return ingest.StepPDFToImages }

// Execute writes the PDF to a scratch directory, rasterizes it, and stores
// one PNG artifact per page. Page paths come back as inline output data.
func (e *PDFToImages) Execute(ctx context.Context, doc ingest.Document, _ ingest.PipelineStep) (StepResult, error) {
	raw, err := e.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return StepResult{}, fmt.Errorf("read source pdf: %w", err)
	}

	workDir, err := os.MkdirTemp("", "ragline-pdf-*")
	if err != nil {
		return StepResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	input := filepath.Join(workDir, "input.pdf")
	if err = os.WriteFile(input, raw, 0o600); err != nil {
		return StepResult{}, fmt.Errorf("write scratch pdf: %w", err)
	}

	tool := toolFromConfig(doc, e.Name())
	if tool == "" {
		tool = e.tool
	}
	switch tool {
	case ToolImagemagick:
		err = e.runner.Run(ctx, workDir, "convert",
			"-density", fmt.Sprintf("%d", e.dpi), "input.pdf", "page-%03d.png")
	default:
		tool = ToolPdftoppm
		err = e.runner.Run(ctx, workDir, "pdftoppm",
			"-png", "-r", fmt.Sprintf("%d", e.dpi), "input.pdf", "page")
	}
	if err != nil {
		return StepResult{}, fmt.Errorf("rasterize pdf: %w", err)
	}

	pages, err := collectPages(workDir)
	if err != nil {
		return StepResult{}, err
	}
	if len(pages) == 0 {
		return StepResult{}, fmt.Errorf("no pages produced from %s", doc.StoragePath)
	}

	stored := make([]string, 0, len(pages))
	for i, page := range pages {
		data, err := os.ReadFile(page)
		if err != nil {
			return StepResult{}, fmt.Errorf("read page image: %w", err)
		}
		outPath := artifactPath(doc.ID, fmt.Sprintf("pages/page-%03d.png", i+1))
		if _, err = e.blobs.Put(ctx, outPath, "image/png", data); err != nil {
			return StepResult{}, fmt.Errorf("store page image: %w", err)
		}
		stored = append(stored, outPath)
	}

	return StepResult{
		Tool:          tool,
		OutputSummary: fmt.Sprintf("%d pages rasterized", len(stored)),
		OutputData:    stored,
	}, nil
}

func collectPages(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("list scratch dir: %w", err)
	}
	var pages []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".png") {
			pages = append(pages, filepath.Join(workDir, entry.Name()))
		}
	}
	sort.Strings(pages)
	return pages, nil
}

// toolFromConfig reads the step's configured tool, if any.
func toolFromConfig(doc ingest.Document, stepName string) string {
	for _, step := range doc.Pipeline.Steps {
		if step.Name != stepName {
			continue
		}
		if tool, ok := step.Config["tool"].(string); ok {
			return tool
		}
	}
	return ""
}
