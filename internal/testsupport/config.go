package testsupport

import (
	"path/filepath"
	"testing"

	"capsule/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Pipeline.BackoffBaseMillis = 1
	cfgVal.Pipeline.BackoffMaxSeconds = 1
	cfgVal.Capture.SettleSeconds = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithWatchRoot adds a watch root under the temp staging dir.
func WithWatchRoot(name, profile string) ConfigOption {
	return func(b *configBuilder) {
		channel := "watch_folder_" + profile
		b.cfg.Capture.WatchRoots = append(b.cfg.Capture.WatchRoots, config.WatchRoot{
			Name:    name,
			Path:    filepath.Join(b.cfg.Paths.StagingDir, name),
			Profile: profile,
			Channel: channel,
		})
	}
}

// WithSemantic toggles the semantic stage.
func WithSemantic(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.SemanticEnabled = enabled
	}
}

// WithMaxAttempts overrides the per-stage attempt limit.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.MaxAttempts = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
