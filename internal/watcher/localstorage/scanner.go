// Package localstorage implements a byte-scan over opaque *.ldb files to
// recover conversation ids a different local client writes in cleartext,
// with no structural parser.
package localstorage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/jasonberkes/ses-local/internal/activity"
)

const (
	minPrintableRun = 8
	debounceWindow  = 3 * time.Second
)

var idPattern = regexp.MustCompile(`(?i)LSS-([0-9a-f-]{36}):`)

// Scanner periodically byte-scans Root for *.ldb files and publishes
// discovered conversation UUIDs to a notifier.
type Scanner struct {
	Root         string
	PollInterval time.Duration
	Notifier     *activity.Notifier
}

func New(root string, pollInterval time.Duration, notifier *activity.Notifier) *Scanner {
	return &Scanner{Root: root, PollInterval: pollInterval, Notifier: notifier}
}

// Run blocks until ctx is cancelled. A filesystem-change subscription
// triggers a debounced scan (3s window, further events coalesced); a
// periodic timer drives a scan as fallback.
func (s *Scanner) Run(ctx context.Context) error {
	if _, err := os.Stat(s.Root); err != nil {
		slog.Info("local-storage scanner: root unavailable, idling", "root", s.Root, "error", err)
		<-ctx.Done()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("local-storage scanner: fsnotify unavailable, falling back to polling only", "error", err)
	} else {
		defer fsw.Close()
		if err := fsw.Add(s.Root); err != nil {
			slog.Warn("local-storage scanner: watch setup failed", "error", err)
		}
	}

	s.scan()

	interval := s.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mu sync.Mutex
	var debounce *time.Timer

	scheduleDebounced := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(debounceWindow, s.scan)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scan()
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if strings.HasSuffix(evt.Name, ".ldb") {
				scheduleDebounced()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("local-storage scanner: fsnotify error", "error", err)
		}
	}
}

// scan runs ScanOnce against Root and, if it finds any UUIDs, fires one
// event carrying the full set to the notifier.
func (s *Scanner) scan() {
	ids, err := ScanOnce(s.Root)
	if err != nil {
		slog.Warn("local-storage scanner: scan failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	s.Notifier.Publish(activity.Event{At: time.Now().UTC(), UUIDs: ids})
}

// ScanOnce copies every *.ldb file under root to a temp path (the live
// database holds file locks), extracts printable ASCII runs of length ≥ 8,
// and regex-matches "LSS-<uuid>:" against them, returning the deduplicated,
// lowercased set of UUIDs across all files. An unreadable individual file is
// skipped rather than reported as an error. A missing directory degrades to
// an empty set; any other directory read failure is returned as an error.
func ScanOnce(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]struct{})
	var ids []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ldb") {
			continue
		}
		found, err := scanFile(filepath.Join(root, entry.Name()))
		if err != nil {
			slog.Debug("local-storage scanner: skipping unreadable file", "file", entry.Name(), "error", err)
			continue
		}
		for _, id := range found {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func scanFile(path string) ([]string, error) {
	tmp, err := copyToTemp(path)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, err
	}

	runs := printableRuns(data, minPrintableRun)
	joined := strings.Join(runs, "\n")

	matches := idPattern.FindAllStringSubmatch(joined, -1)
	var ids []string
	for _, m := range matches {
		if _, err := uuid.Parse(m[1]); err != nil {
			continue
		}
		ids = append(ids, strings.ToLower(m[1]))
	}
	return ids, nil
}

func copyToTemp(path string) (tmpPath string, err error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "ldb-scan-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath = dst.Name()
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func printableRuns(data []byte, minLen int) []string {
	var runs []string
	start := -1
	for i, b := range data {
		if isPrintableASCII(b) {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			if i-start >= minLen {
				runs = append(runs, string(data[start:i]))
			}
			start = -1
		}
	}
	if start != -1 && len(data)-start >= minLen {
		runs = append(runs, string(data[start:]))
	}
	return runs
}

func isPrintableASCII(b byte) bool {
	return b >= 0x20 && b < 0x7f
}
