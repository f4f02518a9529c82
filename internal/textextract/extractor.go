// Package textextract implements the Text Extractor (C5): embedded-text
// extraction via pdfcpu, falling back per page to OCR when the embedded
// yield is too thin to be real body text (scanned filings, image-only
// pages). Grounded on the teacher's pdfcpu-based extractor
// (internal/services/pdf/extractor.go), generalized to operate on raw PDF
// bytes and to score confidence per page instead of assuming extraction
// always succeeds.
package textextract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
)

// Extractor implements interfaces.TextExtractor with an embedded-text
// primary strategy and an OCREngine-backed fallback.
type Extractor struct {
	ocr               OCREngine
	fallbackThreshold float64 // minimum chars-per-page before OCR kicks in
	tempDir           string
	cpuPool           *semaphore.Weighted // bounds concurrent OCR invocations
	logger            arbor.ILogger
}

// New builds an Extractor. ocr may be nil, in which case pages under the
// embedded-text threshold are returned as-is with a low confidence score
// rather than OCR'd. cfg.CPUPoolSize bounds how many pages may be OCR'd
// concurrently (0 defaults to NumCPU), since each tesseract invocation is
// its own CPU-bound subprocess and a wide scanned filing can otherwise
// spawn one per page at once.
func New(ocr OCREngine, cfg common.ExtractionConfig, logger arbor.ILogger) *Extractor {
	tempDir := filepath.Join(cfg.TempDir, "discloser-pdf")
	_ = os.MkdirAll(tempDir, 0755)
	poolSize := cfg.CPUPoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	return &Extractor{
		ocr:               ocr,
		fallbackThreshold: cfg.OCRFallbackThreshold,
		tempDir:           tempDir,
		cpuPool:           semaphore.NewWeighted(int64(poolSize)),
		logger:            logger,
	}
}

var _ interfaces.TextExtractor = (*Extractor)(nil)

// Extract runs the embedded-text strategy on every page, then OCRs any page
// whose embedded yield falls below the configured threshold.
func (e *Extractor) Extract(ctx context.Context, pdfBytes []byte) (interfaces.TextExtractionResult, error) {
	callID := uuid.New().String()
	tempFile := filepath.Join(e.tempDir, fmt.Sprintf("extract_%s.pdf", callID))
	if err := os.WriteFile(tempFile, pdfBytes, 0644); err != nil {
		return interfaces.TextExtractionResult{}, fmt.Errorf("%w: write temp pdf: %v", interfaces.ErrPermanentIO, err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return interfaces.TextExtractionResult{}, fmt.Errorf("%w: read pdf context: %v", interfaces.ErrExtractionFailed, err)
	}

	pageCount := pdfCtx.PageCount
	embedded := e.extractEmbedded(tempFile, callID, pageCount)

	pages := make([]interfaces.PageText, pageCount)
	for i := 0; i < pageCount; i++ {
		pageNum := i + 1
		text := embedded[pageNum]
		charsPerPage := float64(len(strings.TrimSpace(text)))
		pages[i] = interfaces.PageText{
			PageNumber: pageNum,
			Text:       text,
			Strategy:   "embedded",
			Confidence: embeddedConfidence(charsPerPage, e.fallbackThreshold),
		}
	}

	usedOCR := e.ocrFallbackPass(ctx, tempFile, pages)

	var confSum float64
	for _, p := range pages {
		confSum += p.Confidence
	}

	var fullText strings.Builder
	for i, p := range pages {
		if i > 0 {
			fmt.Fprintf(&fullText, "\n\n--- Page %d ---\n\n", p.PageNumber)
		}
		fullText.WriteString(p.Text)
	}

	overall := 0.0
	if pageCount > 0 {
		overall = confSum / float64(pageCount)
	}

	return interfaces.TextExtractionResult{
		Pages:           pages,
		FullText:        fullText.String(),
		OverallConf:     overall,
		UsedOCRFallback: usedOCR,
		PageCount:       pageCount,
		IsEncrypted:     pdfCtx.Encrypt != nil,
	}, nil
}

// ocrFallbackPass OCRs every page in pages whose embedded yield sits below
// the fallback threshold, bounded by e.cpuPool concurrent tesseract
// subprocesses, and reports whether any page's text was replaced.
func (e *Extractor) ocrFallbackPass(ctx context.Context, tempFile string, pages []interfaces.PageText) bool {
	if e.ocr == nil {
		return false
	}

	var wg sync.WaitGroup
	var usedOCR int32

	for i := range pages {
		charsPerPage := float64(len(strings.TrimSpace(pages[i].Text)))
		if charsPerPage >= e.fallbackThreshold {
			continue
		}
		if err := e.cpuPool.Acquire(ctx, 1); err != nil {
			e.logger.Warn().Err(err).Int("page", pages[i].PageNumber).Msg("ocr pool acquire cancelled, keeping embedded text")
			continue
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer e.cpuPool.Release(1)

			page := &pages[idx]
			ocrText, conf, err := e.ocr.RecognizePage(ctx, tempFile, page.PageNumber)
			if err != nil {
				e.logger.Warn().Err(err).Int("page", page.PageNumber).Msg("ocr fallback failed, keeping embedded text")
				return
			}
			if len(strings.TrimSpace(ocrText)) <= len(strings.TrimSpace(page.Text)) {
				return
			}
			page.Text = ocrText
			page.Strategy = "ocr"
			page.Confidence = conf
			atomic.StoreInt32(&usedOCR, 1)
		}(i)
	}

	wg.Wait()
	return usedOCR == 1
}

func (e *Extractor) extractEmbedded(tempFile, callID string, pageCount int) map[int]string {
	conf := model.NewDefaultConfiguration()
	outDir := filepath.Join(e.tempDir, fmt.Sprintf("pages_%s", callID))
	_ = os.MkdirAll(outDir, 0755)
	defer os.RemoveAll(outDir)

	pageTexts := make(map[int]string, pageCount)

	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		e.logger.Warn().Err(err).Msg("embedded content extraction failed, all pages will be OCR-eligible")
		return pageTexts
	}

	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, serr := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); serr != nil {
			if _, serr := fmt.Sscanf(file.Name(), "page_%d", &pageNum); serr != nil {
				continue
			}
		}
		pageTexts[pageNum] = string(content)
	}
	return pageTexts
}

// embeddedConfidence maps chars-per-page against the fallback threshold to
// a 0..1 confidence score that rises linearly from 0 at zero chars to 1 at
// four times the threshold (a page exactly at the threshold scores 0.25).
func embeddedConfidence(charsPerPage, threshold float64) float64 {
	if threshold <= 0 {
		if charsPerPage > 0 {
			return 1.0
		}
		return 0.0
	}
	ratio := charsPerPage / (threshold * 4)
	if ratio > 1 {
		return 1.0
	}
	if ratio < 0 {
		return 0.0
	}
	return ratio
}
