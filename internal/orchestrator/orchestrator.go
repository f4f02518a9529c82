// Package orchestrator implements the Orchestrator (C10): drives the
// CheckUpdate -> Ingest -> Normalize -> Drain -> QualityGate -> Publish ->
// UpdateWatermark state machine for one (source, year) run, the way the
// teacher's scheduler service drives cron-triggered jobs through a single
// tracked handler with start/finish bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/indexnorm"
	"github.com/ternarybob/discloser/internal/ingest"
	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/tabular"
	"github.com/ternarybob/discloser/internal/updatedetector"
)

// Stage names one step of the §4.10 state machine, reported on RunResult
// so callers (and logs) can see exactly where a run stopped.
type Stage string

const (
	StageCheckUpdate     Stage = "check_update"
	StageIngest          Stage = "ingest"
	StageNormalize       Stage = "normalize"
	StageDrain           Stage = "drain"
	StageQualityGate     Stage = "quality_gate"
	StagePublish         Stage = "publish"
	StageUpdateWatermark Stage = "update_watermark"
	StageDone            Stage = "done"
)

// RunResult summarizes one orchestrator run against a (source, year).
type RunResult struct {
	Source            string
	Year              int
	Stage             Stage
	Changed           bool
	DocumentsEnqueued int
	FilingsWritten    int
	DocumentsWritten  int
	ViolationFraction float64
}

// Orchestrator wires the Update Detector, Archive Ingester, Index
// Normalizer, Work Queue, Watermark Store, and Tabular Writer into one
// run of the pipeline's control flow. One Orchestrator is scoped to a
// single source; it runs single-threaded per (source, year), per §5 --
// callers are responsible for not invoking Run concurrently for the same
// year (different years may run concurrently by using separate goroutines
// over separate Orchestrator.Run calls).
type Orchestrator struct {
	source     common.SourceConfig
	detector   *updatedetector.Detector
	ingester   *ingest.Ingester
	normalizer *indexnorm.Normalizer
	queue      interfaces.WorkQueue
	watermark  interfaces.WatermarkStore
	writer     *tabular.Writer
	cfg        common.OrchestratorConfig
	logger     arbor.ILogger
}

// New builds an Orchestrator for source.
func New(
	source common.SourceConfig,
	detector *updatedetector.Detector,
	ingester *ingest.Ingester,
	normalizer *indexnorm.Normalizer,
	queue interfaces.WorkQueue,
	watermark interfaces.WatermarkStore,
	writer *tabular.Writer,
	cfg common.OrchestratorConfig,
	logger arbor.ILogger,
) *Orchestrator {
	return &Orchestrator{
		source:     source,
		detector:   detector,
		ingester:   ingester,
		normalizer: normalizer,
		queue:      queue,
		watermark:  watermark,
		writer:     writer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run drives one full pass of the §4.10 state machine for year.
func (o *Orchestrator) Run(ctx context.Context, year int, forceRefresh bool) (RunResult, error) {
	result := RunResult{Source: o.source.Name, Year: year}
	watermarkKey := o.source.Name + "/" + strconv.Itoa(year)
	forceRefresh = forceRefresh || o.cfg.ForceRefresh

	result.Stage = StageCheckUpdate
	if !forceRefresh {
		changed, _, err := o.detector.Check(ctx, o.source, year)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Str("source", o.source.Name).Int("year", year).Msg("update detector probe failed, falling back to full ingest")
		case changed:
			// fall through to Ingest
		default:
			// The remote archive is unchanged, but a prior run that never
			// reached status=ok (quality gate failure, drain timeout,
			// crash mid-run) must still be retried: §7 guarantees "the
			// next scheduled run will re-attempt from the top" whenever
			// the Orchestrator has written status=failed.
			prior, getErr := o.watermark.Get(ctx, watermarkKey)
			if getErr == nil && prior.Status == interfaces.WatermarkStatusOK {
				o.logger.Info().Str("source", o.source.Name).Int("year", year).Msg("no change detected, run is a no-op")
				result.Stage = StageDone
				return result, nil
			}
			// Bypass the Ingester's same-bytes short-circuit, which would
			// otherwise end the retry as unchanged before Normalize.
			forceRefresh = true
		}
	}

	result.Stage = StageIngest
	ingestResult, err := o.ingester.Ingest(ctx, o.source, year, forceRefresh)
	if err != nil {
		o.markFailed(ctx, watermarkKey, fmt.Sprintf("ingest: %v", err))
		return result, fmt.Errorf("stage %s: %w", result.Stage, err)
	}
	result.Changed = ingestResult.Changed
	result.DocumentsEnqueued = countWritten(ingestResult)
	if !ingestResult.Changed {
		result.Stage = StageDone
		return result, nil
	}

	result.Stage = StageNormalize
	normResult, err := o.normalizer.Normalize(ctx, o.source.Name, year)
	if err != nil {
		o.markFailed(ctx, watermarkKey, fmt.Sprintf("normalize: %v", err))
		return result, fmt.Errorf("stage %s: %w", result.Stage, err)
	}
	result.FilingsWritten = normResult.FilingsWritten
	result.DocumentsWritten = normResult.DocumentsWritten

	result.Stage = StageDrain
	if err := o.drain(ctx); err != nil {
		o.markFailed(ctx, watermarkKey, fmt.Sprintf("drain: %v", err))
		return result, fmt.Errorf("stage %s: %w", result.Stage, err)
	}

	result.Stage = StageQualityGate
	violationFraction, err := o.qualityGate(ctx, year)
	if err != nil {
		o.markFailed(ctx, watermarkKey, fmt.Sprintf("quality gate: %v", err))
		return result, fmt.Errorf("stage %s: %w", result.Stage, err)
	}
	result.ViolationFraction = violationFraction
	if violationFraction > o.cfg.QualityFailFraction {
		// Per §7, a prior watermark is retained on QualityGateFailed: the
		// CAS below still flips status to failed (so the next scheduled
		// run knows to retry from the top) but leaves content_hash as the
		// ingester already wrote it, rather than advancing it further.
		o.markFailed(ctx, watermarkKey, fmt.Sprintf("violation fraction %.4f exceeds threshold %.4f", violationFraction, o.cfg.QualityFailFraction))
		return result, fmt.Errorf("stage %s: %w", result.Stage, interfaces.ErrQualityGateFailed)
	}

	// Publish is a no-op today, reserved for a future atomic-swap hook
	// that exposes this run's Silver partitions to Gold consumers.
	result.Stage = StagePublish

	result.Stage = StageUpdateWatermark
	if err := o.finalizeWatermark(ctx, watermarkKey, ingestResult.ContentHash); err != nil {
		return result, fmt.Errorf("stage %s: %w", result.Stage, err)
	}

	result.Stage = StageDone
	return result, nil
}

// drain polls the queue's depth with a 2s->30s backoff until it reports
// zero or the 4h hard deadline elapses.
func (o *Orchestrator) drain(ctx context.Context) error {
	deadline := common.Duration(o.cfg.DrainDeadline, 4*time.Hour)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		depth, err := o.queue.Depth(ctx)
		if err != nil {
			return err
		}
		if depth == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: queue depth still %d after drain deadline", interfaces.ErrDeadlineExceeded, depth)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// qualityGate reads every row of the year's Silver documents partition and
// reports the fraction whose extraction_status is "missing" (no Bronze PDF)
// or "failed" (a recorded extraction failure). It does not read Bronze
// metadata or the text and structured tables, and checks no other
// invariant.
func (o *Orchestrator) qualityGate(ctx context.Context, year int) (float64, error) {
	partition := strconv.Itoa(year)
	docs, err := o.writer.Read(ctx, "documents", partition)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	violations := 0
	for _, d := range docs {
		switch d.Fields["extraction_status"] {
		case "missing", "failed":
			violations++
		}
	}

	return float64(violations) / float64(len(docs)), nil
}

// markFailed attempts to flip the watermark to status=failed, retaining
// whatever content_hash is currently stored (per §7, "prior watermark
// retained"). Best-effort: a failure here is logged, not propagated, since
// the caller already has the primary error to report.
func (o *Orchestrator) markFailed(ctx context.Context, key string, reason string) {
	current, err := o.watermark.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			o.logger.Error().Err(err).Str("watermark_key", key).Msg("failed to read watermark before marking failed")
			return
		}
		current = interfaces.Watermark{Key: key}
	}

	failed := current
	failed.Status = interfaces.WatermarkStatusFailed
	failed.LastChecked = time.Now()

	if err := o.watermark.CompareAndSet(ctx, key, current.ContentHash, failed); err != nil {
		o.logger.Error().Err(err).Str("watermark_key", key).Str("reason", reason).Msg("failed to mark watermark failed")
		return
	}
	o.logger.Warn().Str("watermark_key", key).Str("reason", reason).Msg("run failed, watermark marked failed")
}

// finalizeWatermark performs the §4.10 terminal CAS: status=ok once the
// quality gate has passed. This is the only place in the system that
// writes status=ok, per §5's "Watermark Store: written only by
// Orchestrator and Update Detector."
func (o *Orchestrator) finalizeWatermark(ctx context.Context, key, contentHash string) error {
	current, err := o.watermark.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read watermark before finalizing: %w", err)
	}

	desired := current
	desired.Status = interfaces.WatermarkStatusOK
	desired.ContentHash = contentHash
	desired.LastChecked = time.Now()

	if err := o.watermark.CompareAndSet(ctx, key, current.ContentHash, desired); err != nil {
		return fmt.Errorf("finalize watermark: %w", err)
	}
	return nil
}

func countWritten(result ingest.Result) int {
	count := 0
	for _, w := range result.DocumentsWritten {
		if w.Written {
			count++
		}
	}
	return count
}
