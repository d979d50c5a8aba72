// Package driver runs the probe workflow: Load, Inspect, Input, Submit,
// AwaitCompletion and ExtractResult against a single page session.
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/extract"
	"github.com/xkilldash9x/formprobe/internal/payload"
	"github.com/xkilldash9x/formprobe/internal/poller"
)

// Excerpt lengths, in runes, written to the transcript.
const (
	textExcerptLimit       = 500
	completionExcerptLimit = 1000
	htmlExcerptLimit       = 2000
)

// cleanupTimeout bounds session release and the error-state snapshot once the
// run context is gone.
const cleanupTimeout = 10 * time.Second

// WorkflowDriver executes probe runs. It holds no per-run state and may be
// reused for consecutive runs.
type WorkflowDriver struct {
	factory   schemas.SessionFactory
	probe     config.ProbeConfig
	diag      config.DiagnosticsConfig
	fs        afero.Fs
	sink      schemas.DiagnosticSink
	logger    *zap.Logger
	extractor *extract.ArtifactExtractor
	detector  *extract.ErrorDetector
	poller    *poller.Poller

	// sleep waits out the post-load settle delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ schemas.Driver = (*WorkflowDriver)(nil)

// New creates a driver. Snapshots are written to fs under diag.Dir and every
// transcript event goes to sink.
func New(factory schemas.SessionFactory, probe config.ProbeConfig, diag config.DiagnosticsConfig, fs afero.Fs, sink schemas.DiagnosticSink, logger *zap.Logger) *WorkflowDriver {
	logger = logger.Named("driver")
	return &WorkflowDriver{
		factory:   factory,
		probe:     probe,
		diag:      diag,
		fs:        fs,
		sink:      sink,
		logger:    logger,
		extractor: extract.NewArtifactExtractor(probe.ArtifactPrefix, logger),
		detector:  extract.NewErrorDetector(probe.ErrorMarkers, probe.ContextRadius),
		poller:    poller.New(probe.Completion, logger),
		sleep:     sleepContext,
	}
}

// Run drives one probe against target. It always returns a result, and the
// session it opens is closed before Run returns, whatever happened.
func (d *WorkflowDriver) Run(ctx context.Context, target string, input schemas.WorkflowInput) (result *schemas.WorkflowResult) {
	r := d.newRun(target)
	r.logger.Info("Starting probe run.", zap.String("target", target))

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.probe.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.probe.RunTimeout)
	}
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered from panic during probe run.",
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
			r.abort(runCtx, schemas.CollaboratorFailure, fmt.Errorf("panic: %v", p))
		}
		r.closeSession()
		result = r.finish()
	}()

	r.execute(runCtx, input)
	return result
}

// run is the mutable state of a single probe run.
type run struct {
	d      *WorkflowDriver
	id     string
	target string
	logger *zap.Logger

	session  schemas.PageSession
	recorder schemas.Recorder
	inputEl  schemas.Element

	phase      schemas.Phase
	phaseStart time.Time
	aborted    bool

	result schemas.WorkflowResult
}

func (d *WorkflowDriver) newRun(target string) *run {
	id := uuid.NewString()
	return &run{
		d:      d,
		id:     id,
		target: target,
		logger: d.logger.With(zap.String("run_id", id)),
		phase:  schemas.PhaseLoad,
		result: schemas.WorkflowResult{
			RunID:          id,
			Target:         target,
			PhaseReached:   schemas.PhaseLoad,
			Artifacts:      []string{},
			ErrorFragments: []schemas.Fragment{},
			Snapshots:      []schemas.SnapshotRef{},
			Phases:         []schemas.PhaseResult{},
			Annotations:    []schemas.Annotation{},
			StartedAt:      time.Now().UTC(),
		},
	}
}

// execute runs the phases in order until one of them stops the run.
func (r *run) execute(ctx context.Context, input schemas.WorkflowInput) {
	steps := []struct {
		phase schemas.Phase
		fn    func(context.Context) bool
	}{
		{schemas.PhaseLoad, r.load},
		{schemas.PhaseInspect, r.inspect},
		{schemas.PhaseInput, func(ctx context.Context) bool { return r.fill(ctx, input) }},
		{schemas.PhaseSubmit, r.submit},
		{schemas.PhaseAwaitCompletion, r.awaitCompletion},
		{schemas.PhaseExtractResult, r.extractResult},
	}
	for _, step := range steps {
		r.enter(step.phase)
		if !step.fn(ctx) {
			return
		}
	}
	r.result.PhaseReached = schemas.PhaseDone
	r.emit(schemas.LevelInfo, "Probe run finished.", map[string]any{"artifacts": len(r.result.Artifacts)}, nil)
}

func (r *run) enter(phase schemas.Phase) {
	r.phase = phase
	r.phaseStart = time.Now()
	r.result.PhaseReached = phase
	r.emit(schemas.LevelDebug, "Entering phase.", nil, nil)
}

// complete records the result of the current phase.
func (r *run) complete(status schemas.PhaseStatus, snap *schemas.SnapshotRef, detail string, err error) {
	pr := schemas.PhaseResult{
		Phase:    r.phase,
		Status:   status,
		Snapshot: snap,
		Detail:   detail,
		Duration: time.Since(r.phaseStart),
	}
	if err != nil {
		pr.Error = err.Error()
	}
	r.result.Phases = append(r.result.Phases, pr)
}

func (r *run) annotate(kind schemas.AnnotationKind, detail string) {
	r.result.Annotations = append(r.result.Annotations, schemas.Annotation{Kind: kind, Phase: r.phase, Detail: detail})
}

// snapshot records a diagnostic capture; it never fails the run.
func (r *run) snapshot(ctx context.Context, name string) *schemas.SnapshotRef {
	if r.recorder == nil {
		return nil
	}
	ref := r.recorder.Record(ctx, r.phase, name)
	r.result.Snapshots = append(r.result.Snapshots, ref)
	return &ref
}

// degrade ends the run at the current phase without treating it as a failure.
func (r *run) degrade(kind schemas.AnnotationKind, detail string, err error) bool {
	r.annotate(kind, detail)
	r.complete(schemas.StatusDegraded, nil, detail, err)
	r.emit(schemas.LevelWarn, "Phase degraded; ending run.", map[string]any{"kind": string(kind), "detail": detail}, err)
	return false
}

// abort moves the run to the absorbing Aborted state: the failure is logged,
// annotated and followed by an error-state snapshot when a session exists.
func (r *run) abort(ctx context.Context, kind schemas.AnnotationKind, err error) bool {
	if r.aborted {
		return false
	}
	r.aborted = true

	r.annotate(kind, err.Error())
	r.complete(schemas.StatusFatal, nil, string(kind), err)
	r.emit(schemas.LevelError, "Probe run aborted.", map[string]any{"kind": string(kind)}, err)

	// The run context may be the reason we are here.
	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	snap := r.snapshot(snapCtx, "error-state")

	r.result.Phases = append(r.result.Phases, schemas.PhaseResult{
		Phase:    schemas.PhaseAborted,
		Status:   schemas.StatusFatal,
		Snapshot: snap,
		Error:    err.Error(),
	})
	return false
}

// collaboratorFailure classifies err from the session or a helper and aborts.
func (r *run) collaboratorFailure(ctx context.Context, what string, err error) bool {
	return r.abort(ctx, schemas.CollaboratorFailure, fmt.Errorf("%s: %w", what, err))
}

func (r *run) closeSession() {
	if r.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.session.Close(ctx); err != nil {
		r.logger.Warn("Failed to close page session.", zap.Error(err))
		r.emit(schemas.LevelWarn, "Failed to close page session.", nil, err)
		return
	}
	r.logger.Debug("Page session closed.")
}

// finish assembles the final result. Nothing touches it afterwards.
func (r *run) finish() *schemas.WorkflowResult {
	r.result.FinishedAt = time.Now().UTC()
	r.result.Outcome = r.outcome()

	r.logger.Info("Probe run complete.",
		zap.String("outcome", string(r.result.Outcome)),
		zap.String("phase_reached", string(r.result.PhaseReached)),
		zap.Int("artifacts", len(r.result.Artifacts)),
		zap.Int("error_fragments", len(r.result.ErrorFragments)),
		zap.Duration("duration", r.result.FinishedAt.Sub(r.result.StartedAt)))

	res := r.result
	return &res
}

// outcome classifies the run: Aborted on a fatal failure, Succeeded when the
// run reached Done with artifacts and no degradation or detected error,
// Degraded otherwise.
func (r *run) outcome() schemas.Outcome {
	if r.aborted {
		return schemas.OutcomeAborted
	}
	if r.result.PhaseReached != schemas.PhaseDone {
		return schemas.OutcomeDegraded
	}
	for _, kind := range []schemas.AnnotationKind{
		schemas.LocatorNotFound,
		schemas.SubmissionTimeout,
		schemas.ArtifactAbsent,
		schemas.DetectedApplicationError,
	} {
		if r.result.HasAnnotation(kind) {
			return schemas.OutcomeDegraded
		}
	}
	return schemas.OutcomeSucceeded
}

func (r *run) emit(level schemas.EventLevel, msg string, fields map[string]any, err error) {
	if r.d.sink == nil {
		return
	}
	r.d.sink.Emit(schemas.DiagnosticEvent{
		RunID:   r.id,
		Phase:   r.phase,
		Level:   level,
		Message: msg,
		Fields:  fields,
		Err:     err,
		Time:    time.Now().UTC(),
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// serialize renders the payload in the configured format.
func (d *WorkflowDriver) serialize(input schemas.WorkflowInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", err
	}
	format, err := payload.ParseFormat(d.probe.PayloadFormat)
	if err != nil {
		return "", err
	}
	return payload.Serialize(input, format)
}

// isContextErr reports whether err stems from the run being cancelled or
// timing out.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
