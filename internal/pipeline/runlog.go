package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunLog is a per-run transcript file. A nil *RunLog discards everything.
type RunLog struct {
	path  string
	runID string
	mu    sync.Mutex
}

// OpenRunLog truncates run_<runID>.log in dir and writes the header.
// An empty dir disables the transcript.
func OpenRunLog(dir, runID, source string) (*RunLog, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run log dir: %w", err)
	}

	l := &RunLog{
		path:  filepath.Join(dir, fmt.Sprintf("run_%s.log", runID)),
		runID: runID,
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to start run log: %w", err)
	}
	defer f.Close()

	header := fmt.Sprintf("=== Run Log ===\nRun: %s\nSource: %s\nStarted: %s\n\n",
		runID, source, time.Now().Format("2006-01-02 15:04:05"))
	if _, err := f.WriteString(header); err != nil {
		return nil, fmt.Errorf("failed to write run log header: %w", err)
	}
	return l, nil
}

// Path returns the transcript file path.
func (l *RunLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Logf appends a line tagged with stage.
func (l *RunLog) Logf(stage, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Error().Err(err).Str("runID", l.runID).Msg("failed to write run log")
		return
	}
	defer f.Close()

	timestamp := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %-8s %s\n", timestamp, strings.ToUpper(stage), fmt.Sprintf(format, args...))
	f.WriteString(line)
}

// Errorf appends an ERROR line.
func (l *RunLog) Errorf(format string, args ...any) {
	l.Logf("error", format, args...)
}
