package diagnostics

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// -- Zap Sink --

// ZapSink forwards transcript events to a structured logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink logging through logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("transcript")}
}

func (s *ZapSink) Emit(ev schemas.DiagnosticEvent) {
	fields := make([]zap.Field, 0, len(ev.Fields)+3)
	fields = append(fields, zap.String("run_id", ev.RunID), zap.String("phase", string(ev.Phase)))
	for _, k := range sortedKeys(ev.Fields) {
		fields = append(fields, zap.Any(k, ev.Fields[k]))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	if ce := s.logger.Check(zapLevel(ev.Level), ev.Message); ce != nil {
		ce.Write(fields...)
	}
}

func zapLevel(l schemas.EventLevel) zapcore.Level {
	switch l {
	case schemas.LevelDebug:
		return zapcore.DebugLevel
	case schemas.LevelWarn:
		return zapcore.WarnLevel
	case schemas.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// -- Transcript --

// Transcript keeps a plain text line per event for the run report.
type Transcript struct {
	mu    sync.Mutex
	lines []string
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Emit(ev schemas.DiagnosticEvent) {
	line := FormatEvent(ev)
	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// WriteTo writes the transcript, one event per line.
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, line := range t.Lines() {
		n, err := io.WriteString(w, line+"\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Save writes the transcript to dir/transcript.log and returns the path.
func (t *Transcript) Save(fs afero.Fs, dir string) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create transcript directory: %w", err)
	}
	p := path.Join(dir, "transcript.log")
	f, err := fs.Create(p)
	if err != nil {
		return "", fmt.Errorf("failed to create transcript file: %w", err)
	}
	defer f.Close()
	if _, err := t.WriteTo(f); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}
	return p, nil
}

// FormatEvent renders ev as a single transcript line. Fields are written in
// key order.
func FormatEvent(ev schemas.DiagnosticEvent) string {
	var b strings.Builder
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "%s [%s]", ts.UTC().Format(time.RFC3339Nano), ev.Level)
	if ev.Phase != "" {
		fmt.Fprintf(&b, " %s:", ev.Phase)
	}
	b.WriteString(" ")
	b.WriteString(ev.Message)
	for _, k := range sortedKeys(ev.Fields) {
		fmt.Fprintf(&b, " %s=%q", k, fmt.Sprint(ev.Fields[k]))
	}
	if ev.Err != nil {
		fmt.Fprintf(&b, " error=%q", ev.Err.Error())
	}
	return b.String()
}

// -- Fan Out --

// MultiSink delivers each event to every sink in order.
type MultiSink []schemas.DiagnosticSink

func (m MultiSink) Emit(ev schemas.DiagnosticEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
