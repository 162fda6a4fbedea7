package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"capsule/internal/config"
	"capsule/internal/logging"
	"capsule/internal/staging"
)

var partialSuffixes = []string{".part", ".tmp", ".crdownload"}

// Watcher polls the incoming area of every watch root and submits files
// once they have settled.
type Watcher struct {
	coord    *Coordinator
	interval time.Duration
	settle   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	seen map[string]observation
}

type observation struct {
	size    int64
	modTime time.Time
	failed  bool
}

// NewWatcher builds a watcher over the coordinator's roots.
func NewWatcher(cfg *config.Config, coord *Coordinator, logger *slog.Logger) *Watcher {
	interval := time.Duration(cfg.Capture.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		coord:    coord,
		interval: interval,
		settle:   time.Duration(cfg.Capture.SettleSeconds) * time.Second,
		logger:   logging.NewComponentLogger(logger, "watcher"),
		now:      time.Now,
		seen:     make(map[string]observation),
	}
}

// SetClock overrides the watcher's time source.
func (w *Watcher) SetClock(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// Run scans until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for _, root := range w.coord.Roots() {
		if err := root.Ensure(); err != nil {
			return fmt.Errorf("prepare watch root %s: %w", root.Name, err)
		}
	}
	w.logger.Info("watcher started",
		logging.Int("roots", len(w.coord.roots)),
		logging.Duration("poll_interval", w.interval),
		logging.Duration("settle", w.settle),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(w.logger, "watch scan failed", "watch_scan_failed",
				logging.String(logging.FieldErrorHint, "check watch root permissions"),
				logging.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan makes one pass over every incoming area and returns the number of
// files submitted.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	submitted := 0
	present := make(map[string]struct{})
	var errs []error
	for _, root := range w.coord.Roots() {
		candidates, err := w.candidates(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range candidates {
			if ctx.Err() != nil {
				return submitted, ctx.Err()
			}
			present[path] = struct{}{}
			if !w.ready(path) {
				continue
			}
			if w.submit(ctx, path) {
				submitted++
			}
		}
	}
	for path := range w.seen {
		if _, ok := present[path]; !ok {
			delete(w.seen, path)
		}
	}
	return submitted, errors.Join(errs...)
}

func (w *Watcher) candidates(root staging.Root) ([]string, error) {
	dir := root.Dir(staging.AreaIncoming)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || Ignored(entry.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ready reports whether path has settled: unchanged since the previous scan
// and older than the settle period.
func (w *Watcher) ready(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	prev, known := w.seen[path]
	current := observation{size: info.Size(), modTime: info.ModTime()}
	unchanged := known && prev.size == current.size && prev.modTime.Equal(current.modTime)
	if unchanged && prev.failed {
		return false
	}
	w.seen[path] = current
	if w.settle <= 0 {
		return true
	}
	return unchanged && w.now().Sub(current.modTime) >= w.settle
}

func (w *Watcher) submit(ctx context.Context, path string) bool {
	result, err := w.coord.SubmitFile(ctx, FileRequest{Path: path})
	if err != nil {
		obs := w.seen[path]
		obs.failed = true
		w.seen[path] = obs
		logging.WarnWithContext(w.logger, "watch capture failed", "capture_failed",
			logging.String("path", path),
			logging.String(logging.FieldErrorHint, "fix or remove the file; it is retried once it changes"),
			logging.Error(err),
		)
		return false
	}
	delete(w.seen, path)
	w.logger.Info("watch capture",
		logging.String(logging.FieldRecordID, result.RecordID),
		logging.String("action", string(result.Action)),
		logging.String("file", filepath.Base(path)),
	)
	return true
}

// Ignored reports whether a file name is hidden or still being written.
func Ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
