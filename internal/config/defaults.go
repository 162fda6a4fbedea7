package config

const (
	defaultConfigPath                = "~/.config/capsule/config.toml"
	defaultDataDir                   = "~/.local/share/capsule"
	defaultStagingDir                = "~/.local/share/capsule/staging"
	defaultLogDir                    = "~/.local/share/capsule/logs"
	defaultAPIBind                   = "127.0.0.1:7488"
	defaultPollIntervalSeconds       = 5
	defaultSettleSeconds             = 3
	defaultFingerprintAlgo           = "content"
	defaultMaxHashBytes              = 512 << 20
	defaultProcessedRetentionDays    = 14
	defaultMaxAttempts               = 3
	defaultBackoffBaseMillis         = 2000
	defaultBackoffMaxSeconds         = 300
	defaultReviewConfidenceThreshold = 0.6
	defaultMaxInputChars             = 200000
	defaultMaxOutputChars            = 100000
	defaultSegmentThresholdChars     = 1200
	defaultSemanticMode              = "auto"
	defaultMaxDeepChars              = 6000
	defaultMaxPreviewChars           = 400
	defaultLLMBaseURL                = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel                  = "google/gemini-3-flash-preview"
	defaultLLMReferer                = "https://github.com/capsule-notes/capsule"
	defaultLLMTitle                  = "Capsule Semantic Enrichment"
	defaultLLMTimeoutSeconds         = 60
	defaultSpeechLanguage            = "en-US"
	defaultSpeechTimeoutSeconds      = 600
	defaultDocumentAILocation        = "us"
	defaultDocumentAITimeoutSeconds  = 120
	defaultTransportKind             = "sqlite"
	defaultRedisAddr                 = "127.0.0.1:6379"
	defaultStreamPrefix              = "capsule:jobs"
	defaultConsumerGroup             = "capsule-workers"
	defaultVisibilityTimeoutSeconds  = 300
	defaultWorkers                   = 2
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 120
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultLogRetentionDays          = 30
	defaultMetricsPath               = "/metrics"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Capture: Capture{
			PollIntervalSeconds: defaultPollIntervalSeconds,
			SettleSeconds:       defaultSettleSeconds,
			FingerprintAlgo:     defaultFingerprintAlgo,
			MaxHashBytes:        defaultMaxHashBytes,
			ProcessedRetention:  defaultProcessedRetentionDays,
		},
		Pipeline: Pipeline{
			SemanticEnabled:           true,
			MaxAttempts:               defaultMaxAttempts,
			BackoffBaseMillis:         defaultBackoffBaseMillis,
			BackoffMaxSeconds:         defaultBackoffMaxSeconds,
			ReviewConfidenceThreshold: defaultReviewConfidenceThreshold,
		},
		Normalization: Normalization{
			MaxInputChars:         defaultMaxInputChars,
			MaxOutputChars:        defaultMaxOutputChars,
			RemoveTimestamps:      true,
			SentenceCaseAllCaps:   true,
			EmitSegments:          true,
			SegmentThresholdChars: defaultSegmentThresholdChars,
		},
		Semantic: Semantic{
			Mode:            defaultSemanticMode,
			MaxDeepChars:    defaultMaxDeepChars,
			MaxPreviewChars: defaultMaxPreviewChars,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Speech: Speech{
			LanguageCode:   defaultSpeechLanguage,
			TimeoutSeconds: defaultSpeechTimeoutSeconds,
		},
		DocumentAI: DocumentAI{
			Location:       defaultDocumentAILocation,
			TimeoutSeconds: defaultDocumentAITimeoutSeconds,
		},
		Transport: Transport{
			Kind:                     defaultTransportKind,
			RedisAddr:                defaultRedisAddr,
			StreamPrefix:             defaultStreamPrefix,
			ConsumerGroup:            defaultConsumerGroup,
			VisibilityTimeoutSeconds: defaultVisibilityTimeoutSeconds,
		},
		Workflow: Workflow{
			Workers:            defaultWorkers,
			PollInterval:       2,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:   defaultWorkflowHeartbeatTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Failures:       true,
			DeadLetters:    true,
		},
		Metrics: Metrics{
			Enabled: true,
			Path:    defaultMetricsPath,
		},
	}
}
