// Package diagnostics captures phase snapshots and the run transcript.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Recorder captures named snapshots of the session's current document. A
// snapshot is a PNG screenshot plus the body text truncated to the configured
// limit. Recording never fails: problems are logged, emitted to the sink and
// reported inside the returned ref.
type Recorder struct {
	session schemas.PageSession
	fs      afero.Fs
	runDir  string
	runID   string
	cfg     config.DiagnosticsConfig
	sink    schemas.DiagnosticSink
	logger  *zap.Logger

	mu  sync.Mutex
	seq int
}

var _ schemas.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder storing snapshots under <cfg.Dir>/<runID>.
func NewRecorder(session schemas.PageSession, fs afero.Fs, cfg config.DiagnosticsConfig, runID string, sink schemas.DiagnosticSink, logger *zap.Logger) *Recorder {
	return &Recorder{
		session: session,
		fs:      fs,
		runDir:  path.Join(cfg.Dir, runID),
		runID:   runID,
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("recorder"),
	}
}

// RunDir returns the directory holding this run's snapshots.
func (r *Recorder) RunDir() string { return r.runDir }

// Record captures a snapshot tagged with phase and name.
func (r *Recorder) Record(ctx context.Context, phase schemas.Phase, name string) schemas.SnapshotRef {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	ref := schemas.SnapshotRef{
		ID:         uuid.NewString(),
		Name:       name,
		Phase:      phase,
		CapturedAt: time.Now().UTC(),
	}
	base := path.Join(r.runDir, fmt.Sprintf("%02d-%s", seq, unsafeName.ReplaceAllString(name, "_")))

	var errs []error
	if err := r.fs.MkdirAll(r.runDir, 0o755); err != nil {
		errs = append(errs, fmt.Errorf("failed to create snapshot directory: %w", err))
	}

	if r.cfg.Screenshots {
		if img, err := r.session.Screenshot(ctx); err != nil {
			errs = append(errs, fmt.Errorf("screenshot failed: %w", err))
		} else if err := afero.WriteFile(r.fs, base+".png", img, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("failed to store screenshot: %w", err))
		} else {
			ref.ImagePath = base + ".png"
		}
	}

	if text, err := r.session.Text(ctx); err != nil {
		errs = append(errs, fmt.Errorf("text capture failed: %w", err))
	} else {
		ref.TextExcerpt, ref.Truncated = Truncate(text, r.cfg.TextLimit)
		if err := afero.WriteFile(r.fs, base+".txt", []byte(ref.TextExcerpt), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("failed to store page text: %w", err))
		} else {
			ref.TextPath = base + ".txt"
		}
	}

	ev := schemas.DiagnosticEvent{
		RunID: r.runID,
		Phase: phase,
		Level: schemas.LevelInfo,
		Fields: map[string]any{
			"snapshot": name,
			"image":    ref.ImagePath,
			"text":     ref.TextPath,
		},
		Time: ref.CapturedAt,
	}
	if err := errors.Join(errs...); err != nil {
		ref.Error = err.Error()
		r.logger.Warn("Snapshot capture incomplete.",
			zap.String("snapshot", name),
			zap.String("phase", string(phase)),
			zap.Error(err))
		ev.Level = schemas.LevelWarn
		ev.Message = "Snapshot capture incomplete."
		ev.Err = err
	} else {
		r.logger.Debug("Snapshot captured.", zap.String("snapshot", name), zap.String("path", base))
		ev.Message = "Snapshot captured."
	}
	if r.sink != nil {
		r.sink.Emit(ev)
	}
	return ref
}

// Truncate returns the first limit runes of s and whether anything was cut.
// A limit of zero or less keeps s whole.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String(), true
}
