// Package config loads and validates the dialog-forge configuration.
//
// Files are YAML by default; a ".toml" extension switches to TOML. Every key
// is optional: Load starts from Default() and overlays the file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

// Config is the complete system configuration
type Config struct {
	Generation      GenerationConfig `yaml:"generation" toml:"generation"`
	API             APIConfig        `yaml:"api" toml:"api"`
	PromptTemplates PromptConfig     `yaml:"prompt_templates" toml:"prompt_templates"`
	OutputSchema    SchemaConfig     `yaml:"output_schema" toml:"output_schema"`
	Output          OutputConfig     `yaml:"output" toml:"output"`
	Monitor         MonitorConfig    `yaml:"monitor" toml:"monitor"`
	Metrics         MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Health          HealthConfig     `yaml:"health" toml:"health"`
	Logging         LoggingConfig    `yaml:"logging" toml:"logging"`
}

// GenerationConfig drives the worker pool
type GenerationConfig struct {
	Threads       int             `yaml:"threads" toml:"threads"`
	Temperature   types.Range     `yaml:"temperature" toml:"temperature"`
	DialogLines   IntRange        `yaml:"dialog_lines" toml:"dialog_lines"`
	Languages     []types.Variant `yaml:"languages" toml:"languages"`
	ItemDelay     DurationRange   `yaml:"item_delay" toml:"item_delay"`
	GroupDelay    DurationRange   `yaml:"group_delay" toml:"group_delay"`
	ErrorCooldown Duration        `yaml:"error_cooldown" toml:"error_cooldown"`
	MaxErrors     int             `yaml:"max_errors" toml:"max_errors"`
}

// APIConfig describes the OpenAI-compatible endpoint
type APIConfig struct {
	BaseURL        string   `yaml:"base_url" toml:"base_url"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	Model          string   `yaml:"model" toml:"model"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	MaxTokens      int      `yaml:"max_tokens" toml:"max_tokens"`
	MaxRetries     int      `yaml:"max_retries" toml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay" toml:"retry_max_delay"`
	FailFastOnAuth bool     `yaml:"fail_fast_on_auth" toml:"fail_fast_on_auth"`
	// SystemPrompt is sent before every prompt; empty sends none
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	// JSONMode requests response_format json_object; turn off for servers
	// that reject it
	JSONMode bool `yaml:"json_mode" toml:"json_mode"`
}

// PromptConfig holds the prompt template and the theme word banks
type PromptConfig struct {
	Base         string              `yaml:"base" toml:"base"`
	Templates    []string            `yaml:"templates" toml:"templates"`
	Words        map[string][]string `yaml:"words" toml:"words"`
	FallbackWord string              `yaml:"fallback_word" toml:"fallback_word"`
}

// SchemaConfig declares the fields a record must carry
type SchemaConfig struct {
	Fields  []string       `yaml:"fields" toml:"fields"`
	Example map[string]any `yaml:"example" toml:"example"`
	// IncludeMetadata keeps language, temperature, timestamp, worker_id and
	// theme on every record even when Fields does not declare them
	IncludeMetadata bool `yaml:"include_metadata" toml:"include_metadata"`
}

// OutputConfig configures the durable writer
type OutputConfig struct {
	Filename    string   `yaml:"filename" toml:"filename"`
	MaxFileSize ByteSize `yaml:"max_file_size" toml:"max_file_size"`
	BackupCount int      `yaml:"backup_count" toml:"backup_count"`
	LockTimeout Duration `yaml:"lock_timeout" toml:"lock_timeout"`
}

// MonitorConfig configures the controller loop
type MonitorConfig struct {
	StatsInterval Duration `yaml:"stats_interval" toml:"stats_interval"`
	RestartFailed bool     `yaml:"restart_failed" toml:"restart_failed"`
	SummaryPath   string   `yaml:"summary_path" toml:"summary_path"`
	StopTimeout   Duration `yaml:"stop_timeout" toml:"stop_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// HealthConfig configures the gRPC health endpoint
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// LoggingConfig configures slog
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// IntRange is a closed integer interval
type IntRange struct {
	Min int `yaml:"min" toml:"min"`
	Max int `yaml:"max" toml:"max"`
}

// DurationRange is a closed interval of durations
type DurationRange struct {
	Min Duration `yaml:"min" toml:"min"`
	Max Duration `yaml:"max" toml:"max"`
}

// Std converts to the engine's range type
func (r DurationRange) Std() types.DurationRange {
	return types.DurationRange{Min: r.Min.Std(), Max: r.Max.Std()}
}

// Default returns a Config with every default filled in
func Default() *Config {
	return &Config{
		Generation: GenerationConfig{
			Threads:     4,
			Temperature: types.Range{Min: 0.7, Max: 1.0},
			DialogLines: IntRange{Min: 4, Max: 10},
			Languages: []types.Variant{
				{Code: "en", Name: "English"},
			},
			ItemDelay:     DurationRange{Min: Duration(200 * time.Millisecond), Max: Duration(500 * time.Millisecond)},
			GroupDelay:    DurationRange{Min: Duration(time.Second), Max: Duration(3 * time.Second)},
			ErrorCooldown: Duration(5 * time.Second),
			MaxErrors:     10,
		},
		API: APIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-3.5-turbo",
			Timeout:        Duration(30 * time.Second),
			MaxTokens:      2000,
			MaxRetries:     3,
			RetryBaseDelay: Duration(time.Second),
			RetryMaxDelay:  Duration(10 * time.Second),
			SystemPrompt:   llm.DefaultSystemPrompt,
			JSONMode:       true,
		},
		PromptTemplates: PromptConfig{
			FallbackWord: "something",
		},
		OutputSchema: SchemaConfig{
			IncludeMetadata: true,
		},
		Output: OutputConfig{
			Filename:    "data/dialogues.jsonl",
			MaxFileSize: 100 * MB,
			BackupCount: 5,
			LockTimeout: Duration(10 * time.Second),
		},
		Monitor: MonitorConfig{
			StatsInterval: Duration(10 * time.Second),
			SummaryPath:   "data/run-summary.json",
			StopTimeout:   Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Health: HealthConfig{
			Enabled: false,
			Addr:    ":50051",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. The format follows the file extension.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config %s is empty", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}
