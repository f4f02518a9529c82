package textextract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"
)

// OCREngine recognizes text on one page of a PDF already on disk at
// pdfPath, returning the recognized text and a confidence score (0..1).
//
// No Go OCR binding exists anywhere in the retrieved example corpus; rather
// than invent a nonexistent dependency, the only implementation here shells
// out to the tesseract CLI via os/exec, a standard, idiomatic Go pattern
// for wrapping an external tool. A future native binding can be swapped in
// behind this interface without touching Extractor.
type OCREngine interface {
	RecognizePage(ctx context.Context, pdfPath string, pageNum int) (text string, confidence float64, err error)
}

// TesseractEngine extracts a PDF page's embedded images with pdfcpu and
// recognizes the first one with the tesseract CLI binary. A page with no
// embedded image yields an error.
type TesseractEngine struct {
	tesseractPath string
	tempDir       string
	logger        arbor.ILogger
}

// NewTesseractEngine builds a TesseractEngine. tesseractPath is the
// executable name or absolute path ("tesseract" resolves via PATH).
func NewTesseractEngine(tesseractPath, tempDir string, logger arbor.ILogger) *TesseractEngine {
	if tesseractPath == "" {
		tesseractPath = "tesseract"
	}
	return &TesseractEngine{tesseractPath: tesseractPath, tempDir: tempDir, logger: logger}
}

func (t *TesseractEngine) RecognizePage(ctx context.Context, pdfPath string, pageNum int) (string, float64, error) {
	imageDir := filepath.Join(t.tempDir, fmt.Sprintf("ocr_%d_%d", os.Getpid(), pageNum))
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create ocr temp dir: %w", err)
	}
	defer os.RemoveAll(imageDir)

	if err := api.ExtractImagesFile(pdfPath, imageDir, []string{strconv.Itoa(pageNum)}, nil); err != nil {
		return "", 0, fmt.Errorf("render page %d to image: %w", pageNum, err)
	}

	entries, err := os.ReadDir(imageDir)
	if err != nil || len(entries) == 0 {
		return "", 0, fmt.Errorf("no rendered image found for page %d (page may have no embedded image)", pageNum)
	}
	imagePath := filepath.Join(imageDir, entries[0].Name())

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, t.tesseractPath, imagePath, "stdout")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", 0, fmt.Errorf("tesseract recognize page %d: %w", pageNum, err)
	}

	text := stdout.String()
	// tesseract's plain stdout output carries no per-call confidence
	// figure; a fixed heuristic score stands in for it, deliberately below
	// a clean embedded-text extraction's ceiling.
	confidence := 0.6
	if text == "" {
		confidence = 0.0
	}
	return text, confidence, nil
}

var _ OCREngine = (*TesseractEngine)(nil)
