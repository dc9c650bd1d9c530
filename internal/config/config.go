package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config captures everything needed to extract data for one job, drive the
// analytics process and ingest its results.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Job        JobConfig        `yaml:"job"`
	Search     SearchConfig     `yaml:"search"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Process    ProcessConfig    `yaml:"process"`
	Results    ResultsConfig    `yaml:"results"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// ServerConfig controls the daemon's gRPC and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// JobConfig identifies the job whose data is extracted and whose results are written.
type JobConfig struct {
	ID string `yaml:"id"`
}

// SearchConfig describes the search cluster holding the job's input data.
type SearchConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	APIKey            string        `yaml:"apiKey"`
	Version           string        `yaml:"version"`
	Indices           []string      `yaml:"indices"`
	Types             []string      `yaml:"types"`
	TimeField         string        `yaml:"timeField"`
	Query             string        `yaml:"query"`
	Aggregations      string        `yaml:"aggregations"`
	ScriptFields      string        `yaml:"scriptFields"`
	Fields            []string      `yaml:"fields"`
	FieldStats        bool          `yaml:"fieldStats"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
}

// ExtractionConfig controls scroll and chunk sizing.
type ExtractionConfig struct {
	ScrollSize        int           `yaml:"scrollSize"`
	ScrollTimeout     string        `yaml:"scrollTimeout"`
	ScrollIDScanLimit string        `yaml:"scrollIdScanLimit"`
	Chunking          bool          `yaml:"chunking"`
	MinChunkSpan      time.Duration `yaml:"minChunkSpan"`
}

// ProcessConfig describes how to launch the analytics process.
type ProcessConfig struct {
	Command      string        `yaml:"command"`
	Args         []string      `yaml:"args"`
	FlushTimeout time.Duration `yaml:"flushTimeout"`
}

// ResultsConfig configures where parsed results are written.
type ResultsConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	APIKey      string        `yaml:"apiKey"`
	IndexPrefix string        `yaml:"indexPrefix"`
	Timeout     time.Duration `yaml:"timeout"`
	QueueSize   int           `yaml:"renormalisationQueue"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	Brokers  []string        `yaml:"brokers"`
	Topic    string          `yaml:"topic"`
	Triggers []TriggerConfig `yaml:"triggers"`
}

// TriggerConfig is one alert threshold pair. A zero threshold is disabled.
// Type is bucket (default), record or influencer.
type TriggerConfig struct {
	Type                  string  `yaml:"type"`
	NormalizedProbability float64 `yaml:"normalizedProbability"`
	AnomalyScore          float64 `yaml:"anomalyScore"`
}

// ScrollIDScanBytes parses ScrollIDScanLimit ("1MiB", "512 kB", "1048576").
func (e ExtractionConfig) ScrollIDScanBytes() (int, error) {
	n, err := humanize.ParseBytes(e.ScrollIDScanLimit)
	if err != nil {
		return 0, fmt.Errorf("parse scrollIdScanLimit %q: %w", e.ScrollIDScanLimit, err)
	}
	if n == 0 || n > 64<<20 {
		return 0, fmt.Errorf("scrollIdScanLimit %s out of range", humanize.IBytes(n))
	}
	return int(n), nil
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_INGEST_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Search: SearchConfig{
			Version:           "2.x.x",
			TimeField:         "@timestamp",
			Query:             `"match_all":{}`,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 50,
			Burst:             10,
		},
		Extraction: ExtractionConfig{
			ScrollSize:        1000,
			ScrollTimeout:     "60m",
			ScrollIDScanLimit: "1MiB",
			Chunking:          true,
			MinChunkSpan:      time.Minute,
		},
		Process: ProcessConfig{FlushTimeout: 30 * time.Second},
		Results: ResultsConfig{
			IndexPrefix: "prelertresults-",
			Timeout:     10 * time.Second,
			QueueSize:   50,
		},
		Alerts: AlertsConfig{Topic: "mirador.alerts"},
	}
}

func (c *Config) validate() error {
	if c.Extraction.ScrollSize <= 0 {
		return fmt.Errorf("extraction.scrollSize must be positive, got %d", c.Extraction.ScrollSize)
	}
	if _, err := c.Extraction.ScrollIDScanBytes(); err != nil {
		return err
	}
	switch c.Search.Version {
	case "1.7.x", "2.x.x":
	default:
		return fmt.Errorf("search.version must be 1.7.x or 2.x.x, got %q", c.Search.Version)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_INGEST_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_INGEST_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_INGEST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_INGEST_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_INGEST_JOB_ID"); v != "" {
		cfg.Job.ID = v
	}
	if v := os.Getenv("MIRADOR_INGEST_SEARCH_URL"); v != "" {
		cfg.Search.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_INGEST_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("MIRADOR_INGEST_SEARCH_VERSION"); v != "" {
		cfg.Search.Version = v
	}
	if v := os.Getenv("MIRADOR_INGEST_SEARCH_INDICES"); v != "" {
		cfg.Search.Indices = splitList(v)
	}
	if v := os.Getenv("MIRADOR_INGEST_SEARCH_FIELD_STATS"); v != "" {
		cfg.Search.FieldStats = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_INGEST_SEARCH_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("MIRADOR_INGEST_SCROLL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.ScrollSize = size
		}
	}
	if v := os.Getenv("MIRADOR_INGEST_SCROLL_ID_SCAN_LIMIT"); v != "" {
		cfg.Extraction.ScrollIDScanLimit = v
	}
	if v := os.Getenv("MIRADOR_INGEST_CHUNKING"); v != "" {
		cfg.Extraction.Chunking = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_INGEST_MIN_CHUNK_SPAN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Extraction.MinChunkSpan = d
		}
	}
	if v := os.Getenv("MIRADOR_INGEST_PROCESS_COMMAND"); v != "" {
		cfg.Process.Command = v
	}
	if v := os.Getenv("MIRADOR_INGEST_FLUSH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Process.FlushTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_INGEST_RESULTS_URL"); v != "" {
		cfg.Results.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_INGEST_RESULTS_API_KEY"); v != "" {
		cfg.Results.APIKey = v
	}
	if v := os.Getenv("MIRADOR_INGEST_ALERT_BROKERS"); v != "" {
		cfg.Alerts.Brokers = splitList(v)
	}
	if v := os.Getenv("MIRADOR_INGEST_ALERT_TOPIC"); v != "" {
		cfg.Alerts.Topic = v
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
