package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// WatchRoot is one polled inbox directory.
type WatchRoot struct {
	Name    string `toml:"name"`
	Path    string `toml:"path"`
	Profile string `toml:"profile"`
	Channel string `toml:"channel"`
}

// Capture contains fingerprinting and watch-root settings.
type Capture struct {
	WatchRoots          []WatchRoot `toml:"watch_roots"`
	PollIntervalSeconds int         `toml:"poll_interval_seconds"`
	SettleSeconds       int         `toml:"settle_seconds"`
	FingerprintAlgo     string      `toml:"fingerprint_algorithm"`
	MaxHashBytes        int64       `toml:"max_hash_bytes"`
	ForceReingest       bool        `toml:"force_reingest"`
	ProcessedRetention  int         `toml:"processed_retention_days"`
}

// Pipeline contains retry and stage routing settings.
type Pipeline struct {
	SemanticEnabled           bool    `toml:"semantic_enabled"`
	MaxAttempts               int     `toml:"max_attempts"`
	BackoffBaseMillis         int     `toml:"backoff_base_ms"`
	BackoffMaxSeconds         int     `toml:"backoff_max_seconds"`
	ReviewConfidenceThreshold float64 `toml:"review_confidence_threshold"`
}

// Normalization contains deterministic text cleaning settings.
type Normalization struct {
	MaxInputChars         int  `toml:"max_input_chars"`
	MaxOutputChars        int  `toml:"max_output_chars"`
	RemoveTimestamps      bool `toml:"remove_timestamps"`
	SentenceCaseAllCaps   bool `toml:"sentence_case_all_caps"`
	EmitSegments          bool `toml:"emit_segments"`
	SegmentThresholdChars int  `toml:"segment_threshold_chars"`
}

// Semantic contains enrichment depth settings.
type Semantic struct {
	Mode            string `toml:"mode"`
	MaxDeepChars    int    `toml:"max_deep_chars"`
	MaxPreviewChars int    `toml:"max_preview_chars"`
}

// LLM contains chat-completions connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Speech contains Google Cloud Speech-to-Text settings.
type Speech struct {
	CredentialsFile string `toml:"credentials_file"`
	LanguageCode    string `toml:"language_code"`
	Model           string `toml:"model"`
	SampleRateHertz int32  `toml:"sample_rate_hertz"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// DocumentAI contains Google Cloud Document AI settings.
type DocumentAI struct {
	CredentialsFile  string `toml:"credentials_file"`
	ProjectID        string `toml:"project_id"`
	Location         string `toml:"location"`
	ProcessorID      string `toml:"processor_id"`
	ProcessorVersion string `toml:"processor_version"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
}

// Transport selects and configures the job transport.
type Transport struct {
	Kind                     string `toml:"kind"`
	RedisAddr                string `toml:"redis_addr"`
	RedisPassword            string `toml:"redis_password"`
	RedisDB                  int    `toml:"redis_db"`
	StreamPrefix             string `toml:"stream_prefix"`
	ConsumerGroup            string `toml:"consumer_group"`
	VisibilityTimeoutSeconds int    `toml:"visibility_timeout_seconds"`
}

// Workflow contains worker timing settings.
type Workflow struct {
	Workers            int `toml:"workers"`
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	File          bool   `toml:"file"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Failures       bool   `toml:"failures"`
	DeadLetters    bool   `toml:"dead_letters"`
}

// Metrics controls the prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config encapsulates all configuration values for capsule.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Capture       Capture       `toml:"capture"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Normalization Normalization `toml:"normalization"`
	Semantic      Semantic      `toml:"semantic"`
	LLM           LLM           `toml:"llm"`
	Speech        Speech        `toml:"speech"`
	DocumentAI    DocumentAI    `toml:"document_ai"`
	Transport     Transport     `toml:"transport"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Metrics       Metrics       `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("capsule.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation,
// including the staging areas of every watch root.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LogDir}
	for _, root := range c.Capture.WatchRoots {
		dirs = append(dirs, root.Path)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath is the sqlite file holding records, events and jobs.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "capsule.db")
}

// LockPath is the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "capsuled.lock")
}

// LogFilePath is the JSON log file written when logging.file is enabled.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.LogDir, "capsule.log")
}

// BackoffBase returns the configured retry base delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Pipeline.BackoffBaseMillis) * time.Millisecond
}

// BackoffMax returns the configured retry delay ceiling.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Pipeline.BackoffMaxSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
