package common

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the pipeline's full configuration, loaded from a single
// TOML file at process start.
type Config struct {
	Sources      []SourceConfig     `toml:"source"`
	ObjectStore  ObjectStoreConfig  `toml:"objectstore"`
	Watermark    WatermarkConfig    `toml:"watermark"`
	Queue        QueueConfig        `toml:"queue"`
	Extraction   ExtractionConfig   `toml:"extraction"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Logging      LoggingConfig      `toml:"logging"`
}

// SourceConfig describes one archive source to track (e.g. one disclosure
// collection). base_url_pattern uses %d for the year.
type SourceConfig struct {
	Name            string `toml:"name"`
	BaseURLPattern  string `toml:"base_url_pattern"`
	IndexURLPattern string `toml:"index_url_pattern"`
	Years           []int  `toml:"years"`
}

// ObjectStoreConfig selects and configures the Bronze/Silver object store backend.
type ObjectStoreConfig struct {
	Backend  string `toml:"backend"` // "fs" or "s3"
	FSRoot   string `toml:"fs_root"`
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // non-empty for S3-compatible (non-AWS) endpoints
}

// WatermarkConfig configures the Badger-backed watermark and coordination store.
type WatermarkConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// QueueConfig configures the goqite-backed work queue.
type QueueConfig struct {
	SQLitePath        string `toml:"sqlite_path"`
	QueueName         string `toml:"queue_name"`
	DeadLetterName    string `toml:"dead_letter_name"`
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m"
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s"
	MaxAttempts       int    `toml:"max_attempts"`
	BatchSize         int    `toml:"batch_size"`
	Concurrency       int    `toml:"concurrency"`
}

// ExtractionConfig configures the text/structured extraction worker pool.
type ExtractionConfig struct {
	OCRFallbackThreshold float64 `toml:"ocr_fallback_threshold"` // min chars-per-page before OCR kicks in
	TaskDeadline         string  `toml:"task_deadline"`          // e.g. "2m"
	CPUPoolSize          int     `toml:"cpu_pool_size"`          // bounded OCR worker count, 0 = NumCPU
	TesseractPath        string  `toml:"tesseract_path"`
	TempDir              string  `toml:"temp_dir"`
}

// OrchestratorConfig configures the scheduled run and its quality gate.
type OrchestratorConfig struct {
	Schedule            string   `toml:"schedule"` // cron expression
	DrainDeadline       string   `toml:"drain_deadline"`
	QualityFailFraction float64  `toml:"quality_fail_fraction"`
	ForceRefresh        bool     `toml:"force_refresh"`
	FilingTypes         []string `toml:"filing_types"` // empty = all known types
}

// LoggingConfig mirrors the teacher's logging setup surface.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// LoadConfig reads and parses a TOML configuration file, applying defaults
// for any field left unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := mergeConfigFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFiles starts from DefaultConfig and overlays each path in order,
// so a later file's fields override an earlier one's, the same layering
// the teacher's config loader applies across repeated -config flags.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()
	for _, path := range paths {
		if err := mergeConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns a Config populated with sensible defaults, the same
// way the teacher seeds its config before overlaying file contents.
func DefaultConfig() *Config {
	return &Config{
		ObjectStore: ObjectStoreConfig{
			Backend: "fs",
			FSRoot:  "./data/lake",
		},
		Watermark: WatermarkConfig{
			Path: "./data/watermark",
		},
		Queue: QueueConfig{
			SQLitePath:        "./data/queue.db",
			QueueName:         "extraction_tasks",
			DeadLetterName:    "extraction_tasks_dead",
			VisibilityTimeout: "5m",
			PollInterval:      "2s",
			MaxAttempts:       5,
			BatchSize:         10,
			Concurrency:       4,
		},
		Extraction: ExtractionConfig{
			OCRFallbackThreshold: 20.0,
			TaskDeadline:         "2m",
			CPUPoolSize:          0,
			TesseractPath:        "tesseract",
			TempDir:              os.TempDir(),
		},
		Orchestrator: OrchestratorConfig{
			Schedule:            "0 6 * * *",
			DrainDeadline:       "4h",
			QualityFailFraction: 0.10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// Duration parses a config duration field, falling back to def on error or
// an empty string.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
