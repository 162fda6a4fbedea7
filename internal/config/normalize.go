package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeCapture(); err != nil {
		return err
	}
	c.normalizeSemantic()
	c.normalizeLLM()
	if err := c.normalizeGoogle(); err != nil {
		return err
	}
	c.normalizeTransport()
	c.normalizeLogging()
	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		c.Paths.APIToken = strings.TrimSpace(os.Getenv("CAPSULE_API_TOKEN"))
	}
	return nil
}

func (c *Config) normalizeCapture() error {
	c.Capture.FingerprintAlgo = strings.ToLower(strings.TrimSpace(c.Capture.FingerprintAlgo))
	if c.Capture.FingerprintAlgo == "" {
		c.Capture.FingerprintAlgo = defaultFingerprintAlgo
	}
	if c.Capture.MaxHashBytes <= 0 {
		c.Capture.MaxHashBytes = defaultMaxHashBytes
	}
	if c.Capture.ProcessedRetention < 0 {
		c.Capture.ProcessedRetention = 0
	}
	for i := range c.Capture.WatchRoots {
		root := &c.Capture.WatchRoots[i]
		root.Name = strings.TrimSpace(root.Name)
		root.Profile = strings.ToLower(strings.TrimSpace(root.Profile))
		root.Channel = strings.TrimSpace(root.Channel)
		if strings.TrimSpace(root.Path) == "" && root.Name != "" {
			root.Path = filepath.Join(c.Paths.StagingDir, root.Name)
		}
		var err error
		if root.Path, err = expandPath(root.Path); err != nil {
			return fmt.Errorf("capture.watch_roots[%d].path: %w", i, err)
		}
		if root.Name == "" {
			root.Name = filepath.Base(root.Path)
		}
		if root.Profile == "" {
			root.Profile = InferProfile(root.Name)
		}
		if root.Channel == "" {
			root.Channel = "watch_folder_" + root.Profile
		}
	}
	return nil
}

// InferProfile derives a watch-root profile from its name: names mentioning
// audio or voice are audio inboxes, everything else is a document inbox.
func InferProfile(name string) string {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "audio") || strings.Contains(lower, "voice") {
		return "audio"
	}
	return "document"
}

func (c *Config) normalizeSemantic() {
	c.Semantic.Mode = strings.ToLower(strings.TrimSpace(c.Semantic.Mode))
	if c.Semantic.Mode == "" {
		c.Semantic.Mode = defaultSemanticMode
	}
	if c.Semantic.MaxDeepChars <= 0 {
		c.Semantic.MaxDeepChars = defaultMaxDeepChars
	}
	if c.Semantic.MaxPreviewChars <= 0 {
		c.Semantic.MaxPreviewChars = defaultMaxPreviewChars
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	if c.LLM.Referer == "" {
		c.LLM.Referer = defaultLLMReferer
	}
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.Title == "" {
		c.LLM.Title = defaultLLMTitle
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("CAPSULE_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeGoogle() error {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	var err error
	if strings.TrimSpace(c.Speech.CredentialsFile) == "" {
		c.Speech.CredentialsFile = creds
	}
	if c.Speech.CredentialsFile, err = expandPath(c.Speech.CredentialsFile); err != nil {
		return fmt.Errorf("speech.credentials_file: %w", err)
	}
	if strings.TrimSpace(c.DocumentAI.CredentialsFile) == "" {
		c.DocumentAI.CredentialsFile = creds
	}
	if c.DocumentAI.CredentialsFile, err = expandPath(c.DocumentAI.CredentialsFile); err != nil {
		return fmt.Errorf("document_ai.credentials_file: %w", err)
	}
	if c.Speech.LanguageCode = strings.TrimSpace(c.Speech.LanguageCode); c.Speech.LanguageCode == "" {
		c.Speech.LanguageCode = defaultSpeechLanguage
	}
	if c.Speech.TimeoutSeconds <= 0 {
		c.Speech.TimeoutSeconds = defaultSpeechTimeoutSeconds
	}
	if c.DocumentAI.Location = strings.TrimSpace(c.DocumentAI.Location); c.DocumentAI.Location == "" {
		c.DocumentAI.Location = defaultDocumentAILocation
	}
	if c.DocumentAI.TimeoutSeconds <= 0 {
		c.DocumentAI.TimeoutSeconds = defaultDocumentAITimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeTransport() {
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = defaultTransportKind
	}
	if value, ok := os.LookupEnv("CAPSULE_REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Transport.RedisAddr = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Transport.StreamPrefix) == "" {
		c.Transport.StreamPrefix = defaultStreamPrefix
	}
	if strings.TrimSpace(c.Transport.ConsumerGroup) == "" {
		c.Transport.ConsumerGroup = defaultConsumerGroup
	}
	if c.Transport.VisibilityTimeoutSeconds <= 0 {
		c.Transport.VisibilityTimeoutSeconds = defaultVisibilityTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format != "json" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
