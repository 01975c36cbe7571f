// Package config holds the run configuration for the threading engine.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abelbrown/eventthread/internal/analysis"
	"github.com/abelbrown/eventthread/internal/cluster"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the persistent run configuration
type Config struct {
	Threading ThreadingConfig `yaml:"threading"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Publish   PublishConfig   `yaml:"publish"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Topics    []TopicConfig   `yaml:"topics"`

	// Workers bounds parallel embedding calls, distance row blocks, source
	// fetches and concurrently threaded topics, each separately. 0 means
	// runtime.NumCPU(); see WorkerCount.
	Workers  int    `yaml:"workers"`
	LogLevel string `yaml:"log_level"`
}

// ThreadingConfig holds the engine parameters.
type ThreadingConfig struct {
	DecayRate          float64 `yaml:"decay_rate"`
	MergeThreshold     float64 `yaml:"merge_threshold"`
	EmbeddingDimension int     `yaml:"embedding_dimension"` // 0 = whatever the model returns
	Linkage            string  `yaml:"linkage"`
	TimeUnit           string  `yaml:"time_unit"` // Go duration, e.g. "24h"
}

// EmbedderConfig selects and configures the embedding model.
type EmbedderConfig struct {
	Provider  string `yaml:"provider"` // "jina", "ollama" or "hash"
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
	BatchSize int    `yaml:"batch_size"`
	Dimension int    `yaml:"dimension"` // hash provider only
}

// StorageConfig holds file locations.
type StorageConfig struct {
	DBPath    string `yaml:"db_path"`
	OutputDir string `yaml:"output_dir"`
	EventLog  string `yaml:"event_log"`
	LogDir    string `yaml:"log_dir"`
}

// ServerConfig configures the read-only query API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PublishConfig configures the Kafka assignment publisher. Empty Brokers
// disables publishing.
type PublishConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AnalysisConfig configures the analysis written next to each report.
type AnalysisConfig struct {
	Bucket string `yaml:"bucket"` // coverage period: "day", "week" or "month"
}

// TopicConfig names one batch of stories to thread.
type TopicConfig struct {
	Name  string   `yaml:"name"`
	Input string   `yaml:"input,omitempty"` // JSONL export path
	Feeds []string `yaml:"feeds,omitempty"` // RSS/Atom URLs
}

const (
	DefaultDecayRate      = 0.15
	DefaultMergeThreshold = 0.5
	DefaultTimeUnit       = 24 * time.Hour
)

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Threading: ThreadingConfig{
			DecayRate:      DefaultDecayRate,
			MergeThreshold: DefaultMergeThreshold,
			Linkage:        string(cluster.LinkageAverage),
			TimeUnit:       DefaultTimeUnit.String(),
		},
		Embedder: EmbedderConfig{
			Provider:  "jina",
			Model:     "jina-embeddings-v3",
			MaxTokens: 512,
			BatchSize: 25,
			Dimension: 384,
		},
		Storage: StorageConfig{
			DBPath:    filepath.Join(dir, "threads.db"),
			OutputDir: "output",
			EventLog:  filepath.Join(dir, "threads.events.jsonl"),
			LogDir:    filepath.Join(dir, "logs"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Publish: PublishConfig{
			Topic: "event_assignments",
		},
		Analysis: AnalysisConfig{
			Bucket: "month",
		},
		LogLevel: "info",
	}
}

// DataDir returns ~/.threads, falling back to the working directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".threads"
	}
	return filepath.Join(home, ".threads")
}

// Load reads a YAML (or JSON) config file over the defaults. A missing file
// yields the defaults. Environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.AutoPopulateFromEnv()
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600) // may hold an API key
}

// AutoPopulateFromEnv fills in secrets and locations from the environment.
func (c *Config) AutoPopulateFromEnv() {
	if key := strings.TrimSpace(os.Getenv("JINA_API_KEY")); key != "" {
		c.Embedder.APIKey = key
	}
	if model := os.Getenv("JINA_EMBED_MODEL"); model != "" && c.Embedder.Provider == "jina" {
		c.Embedder.Model = model
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" && c.Embedder.Provider == "ollama" {
		c.Embedder.Endpoint = endpoint
	}
	if db := os.Getenv("THREADS_DB"); db != "" {
		c.Storage.DBPath = db
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Publish.Brokers = splitAndTrim(brokers)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	t := c.Threading
	if math.IsNaN(t.DecayRate) || math.IsInf(t.DecayRate, 0) || t.DecayRate < 0 {
		return fmt.Errorf("%w: decay_rate must be a finite non-negative number, got %v", ErrInvalidConfig, t.DecayRate)
	}
	if math.IsNaN(t.MergeThreshold) || t.MergeThreshold < 0 {
		return fmt.Errorf("%w: merge_threshold must be non-negative, got %v", ErrInvalidConfig, t.MergeThreshold)
	}
	if t.EmbeddingDimension < 0 {
		return fmt.Errorf("%w: embedding_dimension cannot be negative", ErrInvalidConfig)
	}
	if _, err := cluster.ParseLinkage(t.Linkage); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := t.Unit(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch c.Embedder.Provider {
	case "jina", "ollama", "hash":
	default:
		return fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, c.Embedder.Provider)
	}
	if c.Embedder.MaxTokens < 0 || c.Embedder.BatchSize < 0 {
		return fmt.Errorf("%w: embedder max_tokens and batch_size cannot be negative", ErrInvalidConfig)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers cannot be negative", ErrInvalidConfig)
	}
	if _, ok := analysis.ParseBucket(c.Analysis.Bucket); !ok {
		return fmt.Errorf("%w: unknown analysis bucket %q", ErrInvalidConfig, c.Analysis.Bucket)
	}

	seen := make(map[string]bool, len(c.Topics))
	for _, topic := range c.Topics {
		if strings.TrimSpace(topic.Name) == "" {
			return fmt.Errorf("%w: topic without a name", ErrInvalidConfig)
		}
		if seen[topic.Name] {
			return fmt.Errorf("%w: duplicate topic %q", ErrInvalidConfig, topic.Name)
		}
		seen[topic.Name] = true
	}
	return nil
}

// WorkerCount resolves Workers: 0 means runtime.NumCPU().
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Unit parses TimeUnit. An empty value means one day.
func (t ThreadingConfig) Unit() (time.Duration, error) {
	if strings.TrimSpace(t.TimeUnit) == "" {
		return DefaultTimeUnit, nil
	}
	d, err := time.ParseDuration(t.TimeUnit)
	if err != nil {
		return 0, fmt.Errorf("time_unit: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("time_unit must be positive, got %s", d)
	}
	return d, nil
}

// Topic returns the named topic.
func (c *Config) Topic(name string) (TopicConfig, bool) {
	for _, t := range c.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicConfig{}, false
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
