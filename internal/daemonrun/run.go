package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"capsule/internal/capture"
	"capsule/internal/config"
	"capsule/internal/daemon"
	"capsule/internal/jobs"
	"capsule/internal/logging"
	"capsule/internal/metrics"
	"capsule/internal/notifications"
	"capsule/internal/pipeline"
	"capsule/internal/services/docai"
	"capsule/internal/services/llm"
	"capsule/internal/services/speech"
	"capsule/internal/store"
	"capsule/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// PIDPath is where a running daemon records its process id.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.DataDir, "capsuled.pid")
}

// Run starts the capsule daemon and blocks until SIGINT/SIGTERM or ctx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	loggerOpts := logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		Development: opts.Development,
	}
	if cfg.Logging.File {
		loggerOpts.FilePath = cfg.LogFilePath()
	}
	logger, err := logging.New(loggerOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, "capsule*.log", loggerOpts.FilePath, cfg.Logging.RetentionDays)
	logConfigSnapshot(logger, cfg)

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open record store", logging.Error(err))
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	notifier := notifications.NewService(cfg)

	owner := "capsuled-" + uuid.NewString()[:8]
	transport, err := workflow.OpenTransport(signalCtx, cfg, st, owner, logger)
	if err != nil {
		st.Close()
		logging.ErrorWithContext(logger, "open job transport", "transport_unavailable",
			logging.Error(err),
			logging.String("transport", cfg.Transport.Kind),
			logging.String(logging.FieldErrorHint, "check transport.redis_addr or switch transport.kind to sqlite"),
		)
		return err
	}
	defer transport.Close()

	gateways, closeGateways := buildGateways(signalCtx, cfg, logger)
	defer closeGateways()

	registry := jobs.NewRegistry()
	coordinator := pipeline.NewCoordinator(cfg, st, gateways, logger,
		pipeline.WithMetrics(m),
		pipeline.WithNotifier(notifier),
	)
	if err := coordinator.Register(registry); err != nil {
		st.Close()
		return fmt.Errorf("register stage handlers: %w", err)
	}

	manager := workflow.NewManager(cfg, st, transport, registry, logger,
		workflow.WithMetrics(m),
		workflow.WithNotifier(notifier),
	)
	captures := capture.NewCoordinator(cfg, st, transport, m, logger)

	d, err := daemon.New(cfg, st, logger, daemon.Components{
		Workflow: manager,
		Captures: captures,
		Watcher:  capture.NewWatcher(cfg, captures, logger),
		Metrics:  m,
		Notifier: notifier,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and api_bind address"),
			logging.String(logging.FieldImpact, "no captures will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("capsule daemon shutting down")
	return nil
}

// buildGateways dials the external services that are configured. A gateway
// left nil fails its stage with a configuration error.
func buildGateways(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Gateways, func()) {
	var (
		gateways pipeline.Gateways
		closers  []func() error
	)

	speechClient, err := speech.New(ctx, speech.Config{
		CredentialsFile: cfg.Speech.CredentialsFile,
		LanguageCode:    cfg.Speech.LanguageCode,
		Model:           cfg.Speech.Model,
		SampleRateHertz: cfg.Speech.SampleRateHertz,
		Timeout:         time.Duration(cfg.Speech.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logging.WarnWithContext(logger, "speech gateway unavailable", "gateway_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "audio captures will fail transcription"),
			logging.String(logging.FieldErrorHint, "set speech.credentials_file or GOOGLE_APPLICATION_CREDENTIALS"),
		)
	} else {
		gateways.Speech = speechClient
		closers = append(closers, speechClient.Close)
	}

	docClient, err := docai.New(ctx, docai.Config{
		CredentialsFile:  cfg.DocumentAI.CredentialsFile,
		ProjectID:        cfg.DocumentAI.ProjectID,
		Location:         cfg.DocumentAI.Location,
		ProcessorID:      cfg.DocumentAI.ProcessorID,
		ProcessorVersion: cfg.DocumentAI.ProcessorVersion,
		Timeout:          time.Duration(cfg.DocumentAI.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logging.WarnWithContext(logger, "document gateway unavailable", "gateway_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "document captures will fail extraction"),
		)
	} else {
		gateways.Documents = docClient
		closers = append(closers, docClient.Close)
	}

	if strings.TrimSpace(cfg.LLM.APIKey) != "" {
		gateways.LLM = llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			Referer:        cfg.LLM.Referer,
			Title:          cfg.LLM.Title,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		})
	} else if cfg.Pipeline.SemanticEnabled {
		logging.WarnWithContext(logger, "semantic enrichment enabled without an llm api key", "gateway_unavailable",
			logging.String(logging.FieldImpact, "semantic stage will dead-letter"),
			logging.String(logging.FieldErrorHint, "set llm.api_key or CAPSULE_LLM_API_KEY"),
		)
	}

	return gateways, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Debug("gateway close failed", logging.Error(err))
			}
		}
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	roots := make([]string, 0, len(cfg.Capture.WatchRoots))
	for _, root := range cfg.Capture.WatchRoots {
		roots = append(roots, root.Name+":"+root.Profile)
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("data_dir", cfg.Paths.DataDir),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.String("transport", cfg.Transport.Kind),
		logging.Int("workers", cfg.Workflow.Workers),
		logging.String("watch_roots", strings.Join(roots, ",")),
		logging.Bool("semantic_enabled", cfg.Pipeline.SemanticEnabled),
		logging.Bool("llm_key_present", strings.TrimSpace(cfg.LLM.APIKey) != ""),
		logging.Bool("document_ai_processor", strings.TrimSpace(cfg.DocumentAI.ProcessorID) != ""),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)
}
