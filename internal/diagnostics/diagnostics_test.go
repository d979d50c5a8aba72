package diagnostics

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/mocks"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G'}

func diagConfig() config.DiagnosticsConfig {
	return config.DiagnosticsConfig{Dir: "/diag", Screenshots: true, TextLimit: 10}
}

func TestRecorder_Record(t *testing.T) {
	fs := afero.NewMemMapFs()
	session := new(mocks.MockPageSession)
	session.On("Screenshot", mock.Anything).Return(pngHeader, nil)
	session.On("Text", mock.Anything).Return("ページが読み込まれました。Welcome!", nil)
	sink := &mocks.RecordingSink{}

	r := NewRecorder(session, fs, diagConfig(), "run-1", sink, zaptest.NewLogger(t))
	ref := r.Record(t.Context(), schemas.PhaseInspect, "page-loaded")

	assert.Empty(t, ref.Error)
	assert.NotEmpty(t, ref.ID)
	assert.Equal(t, "page-loaded", ref.Name)
	assert.Equal(t, schemas.PhaseInspect, ref.Phase)
	assert.Equal(t, "/diag/run-1/01-page-loaded.png", ref.ImagePath)
	assert.Equal(t, "/diag/run-1/01-page-loaded.txt", ref.TextPath)
	assert.Equal(t, "ページが読み込まれま", ref.TextExcerpt)
	assert.True(t, ref.Truncated)

	img, err := afero.ReadFile(fs, ref.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, img)
	text, err := afero.ReadFile(fs, ref.TextPath)
	require.NoError(t, err)
	assert.Equal(t, ref.TextExcerpt, string(text))

	require.Len(t, sink.Events(), 1)
	assert.Equal(t, schemas.LevelInfo, sink.Events()[0].Level)
	assert.Equal(t, "run-1", sink.Events()[0].RunID)
	session.AssertExpectations(t)
}

func TestRecorder_SequenceAndNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	session := new(mocks.MockPageSession)
	session.On("Screenshot", mock.Anything).Return(pngHeader, nil)
	session.On("Text", mock.Anything).Return("ok", nil)

	r := NewRecorder(session, fs, diagConfig(), "run-2", nil, zaptest.NewLogger(t))
	first := r.Record(t.Context(), schemas.PhaseInspect, "page-loaded")
	second := r.Record(t.Context(), schemas.PhaseAborted, "error state/../x")

	assert.Equal(t, "/diag/run-2/01-page-loaded.txt", first.TextPath)
	assert.Equal(t, "/diag/run-2/02-error_state_x.txt", second.TextPath)
	assert.False(t, first.Truncated)
	assert.Equal(t, "/diag/run-2", r.RunDir())
}

func TestRecorder_FailuresAreReturnedNotPropagated(t *testing.T) {
	fs := afero.NewMemMapFs()
	session := new(mocks.MockPageSession)
	session.On("Screenshot", mock.Anything).Return(nil, errors.New("target closed"))
	session.On("Text", mock.Anything).Return("", errors.New("target closed"))
	sink := &mocks.RecordingSink{}

	r := NewRecorder(session, fs, diagConfig(), "run-3", sink, zaptest.NewLogger(t))
	var ref schemas.SnapshotRef
	require.NotPanics(t, func() {
		ref = r.Record(t.Context(), schemas.PhaseAborted, "error-state")
	})

	assert.Contains(t, ref.Error, "screenshot failed")
	assert.Contains(t, ref.Error, "text capture failed")
	assert.Empty(t, ref.ImagePath)
	assert.Empty(t, ref.TextPath)
	assert.Equal(t, 1, sink.CountLevel(schemas.LevelWarn))
}

func TestRecorder_ReadOnlyStorage(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	session := new(mocks.MockPageSession)
	session.On("Screenshot", mock.Anything).Return(pngHeader, nil)
	session.On("Text", mock.Anything).Return("text", nil)

	r := NewRecorder(session, fs, diagConfig(), "run-4", nil, zaptest.NewLogger(t))
	ref := r.Record(t.Context(), schemas.PhaseInput, "after-input")

	assert.NotEmpty(t, ref.Error)
	assert.Equal(t, "text", ref.TextExcerpt, "the excerpt survives a storage failure")
	assert.Empty(t, ref.TextPath)
}

func TestRecorder_ScreenshotsDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	session := new(mocks.MockPageSession)
	session.On("Text", mock.Anything).Return("text", nil)
	cfg := diagConfig()
	cfg.Screenshots = false

	r := NewRecorder(session, fs, cfg, "run-5", nil, zaptest.NewLogger(t))
	ref := r.Record(t.Context(), schemas.PhaseInput, "after-input")

	assert.Empty(t, ref.Error)
	assert.Empty(t, ref.ImagePath)
	session.AssertNotCalled(t, "Screenshot", mock.Anything)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		limit     int
		want      string
		truncated bool
	}{
		{"short", "abc", 5, "abc", false},
		{"exact", "abcde", 5, "abcde", false},
		{"cut", "abcdef", 5, "abcde", true},
		{"runes", "エラーが発生", 3, "エラー", true},
		{"no limit", "abcdef", 0, "abcdef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated := Truncate(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}

// -- Sinks --

func TestZapSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewZapSink(zap.New(core).Named("formprobe"))

	sink.Emit(schemas.DiagnosticEvent{
		RunID:   "run-1",
		Phase:   schemas.PhaseSubmit,
		Level:   schemas.LevelWarn,
		Message: "Action control not found.",
		Fields:  map[string]any{"candidates": []string{"生成"}},
		Err:     errors.New("not found"),
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "Action control not found.", entries[0].Message)
	assert.Equal(t, "formprobe.transcript", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "run-1", ctx["run_id"])
	assert.Equal(t, "Submit", ctx["phase"])
	assert.Equal(t, "not found", ctx["error"])
}

func TestTranscript(t *testing.T) {
	tr := NewTranscript()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.Emit(schemas.DiagnosticEvent{Phase: schemas.PhaseLoad, Level: schemas.LevelInfo, Message: "Navigated.", Time: ts,
		Fields: map[string]any{"url": "https://app.example", "attempt": 1}})
	tr.Emit(schemas.DiagnosticEvent{Level: schemas.LevelError, Message: "Boom.", Time: ts, Err: errors.New("x")})

	lines := tr.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, `2026-01-02T03:04:05Z [info] Load: Navigated. attempt="1" url="https://app.example"`, lines[0])
	assert.Equal(t, `2026-01-02T03:04:05Z [error] Boom. error="x"`, lines[1])

	var buf bytes.Buffer
	_, err := tr.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	fs := afero.NewMemMapFs()
	p, err := tr.Save(fs, "/diag/run-1")
	require.NoError(t, err)
	saved, err := afero.ReadFile(fs, p)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(saved))
}

func TestMultiSink(t *testing.T) {
	a, b := &mocks.RecordingSink{}, &mocks.RecordingSink{}
	m := MultiSink{a, nil, b}
	m.Emit(schemas.DiagnosticEvent{Message: "hello"})
	assert.Equal(t, []string{"hello"}, a.Messages())
	assert.Equal(t, []string{"hello"}, b.Messages())
}
