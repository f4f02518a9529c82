package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/extractworker"
	"github.com/ternarybob/discloser/internal/indexnorm"
	"github.com/ternarybob/discloser/internal/ingest"
	"github.com/ternarybob/discloser/internal/interfaces"
	"github.com/ternarybob/discloser/internal/objectstore"
	"github.com/ternarybob/discloser/internal/orchestrator"
	"github.com/ternarybob/discloser/internal/scheduler"
	"github.com/ternarybob/discloser/internal/structextract"
	"github.com/ternarybob/discloser/internal/tabular"
	"github.com/ternarybob/discloser/internal/textextract"
	"github.com/ternarybob/discloser/internal/updatedetector"
	"github.com/ternarybob/discloser/internal/watermarkstore"
	"github.com/ternarybob/discloser/internal/workqueue"
)

// configPaths allows -config to be specified more than once, later files
// overriding earlier ones.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	showVersion = flag.Bool("version", false, "Print version information")

	triggerSource = flag.String("source", "", "Run a single source/year ingest immediately and exit, instead of starting the scheduler")
	triggerYear   = flag.Int("year", 0, "Year to run with -source")
	forceRefresh  = flag.Bool("force-refresh", false, "Bypass the Update Detector for a -source/-year manual run")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("discloser version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("discloser.toml"); err == nil {
			configFiles = append(configFiles, "discloser.toml")
		}
	}

	cfg, err := common.LoadFromFiles([]string(configFiles)...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	logger := common.SetupLogger(cfg)
	defer common.Stop()

	common.PrintBanner(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer app.Close()

	if *triggerSource != "" {
		runOnce(ctx, app, logger)
		return
	}

	runScheduled(ctx, app, cfg, logger)
}

// application wires every component the pipeline needs for one process
// lifetime: a single object store and watermark store shared across all
// sources, and one Orchestrator/extraction worker pool per configured
// source, since §5 scopes a Worker (and the queue feeding it) to a single
// source's envelopes.
type application struct {
	store     interfaces.ObjectStore
	watermark *watermarkstore.Store
	perSource map[string]*sourceRuntime
	logger    arbor.ILogger
}

// sourceRuntime bundles the components that are scoped to one source.
type sourceRuntime struct {
	orch *orchestrator.Orchestrator
	pool *workqueue.Pool
	q    *workqueue.Queue
}

func (a *application) Close() {
	for _, rt := range a.perSource {
		rt.pool.Stop()
		_ = rt.q.Close()
	}
	_ = a.watermark.Close()
}

func newApplication(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*application, error) {
	store, err := objectstore.New(ctx, cfg.ObjectStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	wm, err := watermarkstore.New(cfg.Watermark, logger)
	if err != nil {
		return nil, fmt.Errorf("open watermark store: %w", err)
	}

	writer := tabular.New(store, logger)

	var ocr textextract.OCREngine
	if cfg.Extraction.TesseractPath != "" {
		ocr = textextract.NewTesseractEngine(cfg.Extraction.TesseractPath, cfg.Extraction.TempDir, logger)
	}
	extractor := textextract.New(ocr, cfg.Extraction, logger)

	registry := structextract.NewRegistry(
		structextract.TextualFallback{},
		structextract.PeriodicTransactionExtractor{},
		structextract.AnnualAssetsExtractor{},
		structextract.TravelExtractor{},
		structextract.GiftsExtractor{},
	)

	app := &application{store: store, watermark: wm, perSource: make(map[string]*sourceRuntime), logger: logger}

	for i, source := range cfg.Sources {
		queueCfg := cfg.Queue
		if len(cfg.Sources) > 1 {
			// Each source needs its own goqite database and dead-letter
			// sink, since the queue message envelope (§6) carries no
			// source field and a shared queue would let one source's
			// worker pool dequeue another source's tasks.
			queueCfg.SQLitePath = fmt.Sprintf("%s.%s", cfg.Queue.SQLitePath, source.Name)
			queueCfg.QueueName = fmt.Sprintf("%s_%s", cfg.Queue.QueueName, source.Name)
			queueCfg.DeadLetterName = fmt.Sprintf("%s_%s", cfg.Queue.DeadLetterName, source.Name)
		}

		q, err := workqueue.New(ctx, queueCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open work queue for source %s: %w", source.Name, err)
		}

		claimTTL := common.Duration(queueCfg.VisibilityTimeout, 5*time.Minute) + time.Minute
		worker := extractworker.New(source.Name, fmt.Sprintf("worker-%d", i), store, wm, extractor, registry, structextract.TextualFallback{}, writer, claimTTL, logger)
		pool := workqueue.NewPool(q, worker.Handle, queueCfg, logger)
		pool.Start(ctx)

		ingester := ingest.New(store, wm, q, logger)
		normalizer := indexnorm.New(store, writer, logger)
		detector := updatedetector.New(wm, logger)
		orch := orchestrator.New(source, detector, ingester, normalizer, q, wm, writer, cfg.Orchestrator, logger)

		app.perSource[source.Name] = &sourceRuntime{orch: orch, pool: pool, q: q}
	}

	return app, nil
}

func runOnce(ctx context.Context, app *application, logger arbor.ILogger) {
	rt, ok := app.perSource[*triggerSource]
	if !ok {
		logger.Fatal().Str("source", *triggerSource).Msg("unknown source, check discloser.toml")
	}

	year := *triggerYear
	if year == 0 {
		logger.Fatal().Msg("-year is required with -source")
	}

	logger.Info().Str("source", *triggerSource).Int("year", year).Bool("force_refresh", *forceRefresh).Msg("manual run starting")
	result, err := rt.orch.Run(ctx, year, *forceRefresh)
	if err != nil {
		logger.Fatal().Err(err).Str("stage", string(result.Stage)).Msg("manual run failed")
	}
	logger.Info().
		Str("stage", string(result.Stage)).
		Bool("changed", result.Changed).
		Int("filings_written", result.FilingsWritten).
		Int("documents_written", result.DocumentsWritten).
		Msg("manual run finished")
}

func runScheduled(ctx context.Context, app *application, cfg *common.Config, logger arbor.ILogger) {
	sched := scheduler.New(logger)

	for _, source := range cfg.Sources {
		source := source
		rt := app.perSource[source.Name]
		jobName := "ingest_" + source.Name

		err := sched.RegisterJob(jobName, cfg.Orchestrator.Schedule, func(jobCtx context.Context) error {
			for _, year := range yearsToRun(source) {
				if _, err := rt.orch.Run(jobCtx, year, cfg.Orchestrator.ForceRefresh); err != nil {
					logger.Error().Err(err).Str("source", source.Name).Int("year", year).Msg("scheduled run failed")
				}
			}
			return nil
		})
		if err != nil {
			logger.Fatal().Err(err).Str("source", source.Name).Msg("failed to register scheduled job")
		}
	}

	sched.Start()
	logger.Info().Str("schedule", cfg.Orchestrator.Schedule).Msg("discloser running, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	sched.Stop()
}

// yearsToRun defaults to the current year when a source declares no
// explicit year list, so a freshly-configured source starts ingesting
// without requiring an operator to enumerate years up front.
func yearsToRun(source common.SourceConfig) []int {
	if len(source.Years) > 0 {
		return source.Years
	}
	return []int{time.Now().Year()}
}
