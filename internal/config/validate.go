package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateNormalization(); err != nil {
		return err
	}
	if err := c.validateSemantic(); err != nil {
		return err
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	return c.validateWorkflow()
}

func (c *Config) validateCapture() error {
	switch c.Capture.FingerprintAlgo {
	case "content", "stat":
	default:
		return fmt.Errorf("capture.fingerprint_algorithm must be content or stat, got %q", c.Capture.FingerprintAlgo)
	}
	if c.Capture.PollIntervalSeconds <= 0 {
		return errors.New("capture.poll_interval_seconds must be positive")
	}
	if c.Capture.SettleSeconds < 0 {
		return errors.New("capture.settle_seconds must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Capture.WatchRoots))
	for i, root := range c.Capture.WatchRoots {
		if root.Profile != "audio" && root.Profile != "document" {
			return fmt.Errorf("capture.watch_roots[%d].profile must be audio or document, got %q", i, root.Profile)
		}
		if _, dup := seen[root.Name]; dup {
			return fmt.Errorf("capture.watch_roots[%d].name %q is not unique", i, root.Name)
		}
		seen[root.Name] = struct{}{}
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MaxAttempts < 1 {
		return errors.New("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.BackoffBaseMillis < 0 {
		return errors.New("pipeline.backoff_base_ms must not be negative")
	}
	if c.Pipeline.BackoffMaxSeconds <= 0 {
		return errors.New("pipeline.backoff_max_seconds must be positive")
	}
	if t := c.Pipeline.ReviewConfidenceThreshold; t < 0 || t > 1 {
		return errors.New("pipeline.review_confidence_threshold must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateNormalization() error {
	if c.Normalization.MaxInputChars < 0 || c.Normalization.MaxOutputChars < 0 {
		return errors.New("normalization char limits must not be negative")
	}
	if c.Normalization.SegmentThresholdChars < 0 {
		return errors.New("normalization.segment_threshold_chars must not be negative")
	}
	return nil
}

func (c *Config) validateSemantic() error {
	switch c.Semantic.Mode {
	case "auto", "preview", "deep":
	default:
		return fmt.Errorf("semantic.mode must be auto, preview or deep, got %q", c.Semantic.Mode)
	}
	if c.Semantic.MaxPreviewChars > c.Semantic.MaxDeepChars {
		return errors.New("semantic.max_preview_chars must not exceed semantic.max_deep_chars")
	}
	return nil
}

func (c *Config) validateTransport() error {
	switch c.Transport.Kind {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Transport.RedisAddr) == "" {
			return errors.New("transport.redis_addr must be set when transport.kind is redis")
		}
	default:
		return fmt.Errorf("transport.kind must be sqlite or redis, got %q", c.Transport.Kind)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.workers":                     c.Workflow.Workers,
		"workflow.poll_interval":               c.Workflow.PollInterval,
		"workflow.error_retry_interval":        c.Workflow.ErrorRetryInterval,
		"notifications.request_timeout":        c.Notifications.RequestTimeout,
		"transport.visibility_timeout_seconds": c.Transport.VisibilityTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
