package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/diagnostics"
	"github.com/xkilldash9x/formprobe/internal/locator"
	"github.com/xkilldash9x/formprobe/internal/poller"
)

// -- Load --

func (r *run) load(ctx context.Context) bool {
	if err := config.ValidateTarget(r.target); err != nil {
		return r.abort(ctx, schemas.NavigationFailure, err)
	}

	session, err := r.d.factory.NewSession(ctx)
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to open page session", err)
	}
	r.session = session
	r.recorder = diagnostics.NewRecorder(session, r.d.fs, r.d.diag, r.id, r.d.sink, r.logger)

	if err := session.Navigate(ctx, r.target); err != nil {
		if isContextErr(ctx.Err()) {
			return r.collaboratorFailure(ctx, "run cancelled during navigation", err)
		}
		return r.abort(ctx, schemas.NavigationFailure, err)
	}
	r.emit(schemas.LevelInfo, "Target loaded.", map[string]any{"url": r.target}, nil)

	if err := r.d.sleep(ctx, r.d.probe.PostLoadWait); err != nil {
		return r.collaboratorFailure(ctx, "run cancelled while the page settled", err)
	}

	r.complete(schemas.StatusSuccess, nil, "", nil)
	return true
}

// -- Inspect --

func (r *run) inspect(ctx context.Context) bool {
	snap := r.snapshot(ctx, "page-loaded")
	r.logInventory(ctx)

	spec := schemas.LocatorSpec{Kind: schemas.KindInputArea, Candidates: r.d.probe.LabelsFor(config.ControlInput)}
	el, err := locator.New(r.session, r.logger).Locate(ctx, spec)
	if errors.Is(err, locator.ErrNotFound) {
		r.logHTMLExcerpt(ctx)
		return r.degrade(schemas.LocatorNotFound, "no input area found", err)
	}
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to locate the input area", err)
	}
	r.inputEl = el

	r.complete(schemas.StatusSuccess, snap, fmt.Sprintf("input area %s", el.Handle), nil)
	return true
}

// logInventory writes the page title, a text excerpt and the controls found
// to the transcript. Failures here only cost diagnostics.
func (r *run) logInventory(ctx context.Context) {
	fields := map[string]any{}

	if title, err := r.session.Title(ctx); err != nil {
		r.emit(schemas.LevelWarn, "Could not read page title.", nil, err)
	} else {
		fields["title"] = title
	}

	if text, err := r.session.Text(ctx); err != nil {
		r.emit(schemas.LevelWarn, "Could not read page text.", nil, err)
	} else {
		excerpt, _ := diagnostics.Truncate(text, textExcerptLimit)
		fields["text"] = excerpt
	}

	if inputs, err := r.session.FindByRole(ctx, schemas.KindInputArea); err != nil {
		r.emit(schemas.LevelWarn, "Could not list input areas.", nil, err)
	} else {
		fields["input_areas"] = len(inputs)
	}

	if actions, err := r.session.FindByRole(ctx, schemas.KindActionControl); err != nil {
		r.emit(schemas.LevelWarn, "Could not list action controls.", nil, err)
	} else {
		labels := make([]string, 0, len(actions))
		for _, a := range actions {
			labels = append(labels, controlLabel(a))
		}
		fields["action_controls"] = strings.Join(labels, " | ")
	}

	r.emit(schemas.LevelInfo, "Page inspected.", fields, nil)
}

func (r *run) logHTMLExcerpt(ctx context.Context) {
	html, err := r.session.HTML(ctx)
	if err != nil {
		r.emit(schemas.LevelWarn, "Could not read page HTML.", nil, err)
		return
	}
	excerpt, _ := diagnostics.Truncate(html, htmlExcerptLimit)
	r.emit(schemas.LevelInfo, "No input area; page HTML excerpt follows.", map[string]any{"html": excerpt}, nil)
}

func controlLabel(el schemas.Element) string {
	for _, s := range []string{el.Text, el.Label, el.Placeholder} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "<" + el.Tag + ">"
}

// -- Input --

func (r *run) fill(ctx context.Context, input schemas.WorkflowInput) bool {
	text, err := r.d.serialize(input)
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to serialize workflow input", err)
	}

	if err := r.session.Fill(ctx, r.inputEl, text); err != nil {
		return r.collaboratorFailure(ctx, "failed to fill the input area", err)
	}
	r.emit(schemas.LevelInfo, "Payload entered.", map[string]any{"bytes": len(text), "format": r.d.probe.PayloadFormat}, nil)

	snap := r.snapshot(ctx, "after-input")
	r.complete(schemas.StatusSuccess, snap, "", nil)
	return true
}

// -- Submit --

func (r *run) submit(ctx context.Context) bool {
	candidates := r.d.probe.LabelsFor(config.ControlGenerate)
	spec := schemas.LocatorSpec{Kind: schemas.KindActionControl, Candidates: candidates}

	el, err := locator.New(r.session, r.logger).Locate(ctx, spec)
	if errors.Is(err, locator.ErrNotFound) {
		return r.degrade(schemas.LocatorNotFound, fmt.Sprintf("no action control labelled %q", candidates), err)
	}
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to locate the action control", err)
	}

	if err := r.session.Click(ctx, el); err != nil {
		return r.collaboratorFailure(ctx, "failed to invoke the action control", err)
	}
	r.emit(schemas.LevelInfo, "Action control invoked.", map[string]any{"label": controlLabel(el)}, nil)

	r.complete(schemas.StatusSuccess, nil, controlLabel(el), nil)
	return true
}

// -- AwaitCompletion --

// completed holds once a matching artifact link or an error marker shows up.
func (r *run) completed(ctx context.Context) (bool, error) {
	html, err := r.session.HTML(ctx)
	if err != nil {
		return false, err
	}
	base, _ := r.session.URL(ctx)
	uris, err := r.d.extractor.Extract(html, base)
	if err != nil {
		return false, err
	}
	if len(uris) > 0 {
		return true, nil
	}

	text, err := r.session.Text(ctx)
	if err != nil {
		return false, err
	}
	return len(r.d.detector.Scan(text)) > 0, nil
}

func (r *run) awaitCompletion(ctx context.Context) bool {
	maxWait := r.d.probe.Completion.MaxWait
	res, err := r.d.poller.AwaitCompletion(ctx, r.completed, maxWait)
	if err != nil {
		return r.collaboratorFailure(ctx, "run cancelled while awaiting completion", err)
	}

	fields := map[string]any{
		"outcome": string(res.Outcome),
		"elapsed": res.Elapsed.String(),
		"checks":  res.Checks,
	}
	if text, err := r.session.Text(ctx); err == nil {
		excerpt, _ := diagnostics.Truncate(text, completionExcerptLimit)
		fields["text"] = excerpt
	}

	if res.Outcome == poller.TimedOut {
		detail := fmt.Sprintf("no result within %s", maxWait)
		r.annotate(schemas.SubmissionTimeout, detail)
		r.emit(schemas.LevelWarn, "Completion wait timed out; extracting anyway.", fields, res.LastErr)
		r.complete(schemas.StatusDegraded, nil, detail, res.LastErr)
		return true
	}

	r.emit(schemas.LevelInfo, "Completion detected.", fields, nil)
	r.complete(schemas.StatusSuccess, nil, "", nil)
	return true
}

// -- ExtractResult --

func (r *run) extractResult(ctx context.Context) bool {
	html, err := r.session.HTML(ctx)
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to read the result document", err)
	}
	base, err := r.session.URL(ctx)
	if err != nil {
		r.logger.Debug("Could not read page URL; relative links stay unresolved.", zap.Error(err))
	}
	uris, err := r.d.extractor.Extract(html, base)
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to extract artifact links", err)
	}
	text, err := r.session.Text(ctx)
	if err != nil {
		return r.collaboratorFailure(ctx, "failed to read the result text", err)
	}

	r.result.Artifacts = uris
	r.result.ErrorFragments = r.d.detector.Scan(text)
	r.result.ExtractionAttempted = true

	snap := r.snapshot(ctx, "after-generate")

	if len(uris) == 0 {
		r.annotate(schemas.ArtifactAbsent, fmt.Sprintf("no link under %s", r.d.extractor.Prefix()))
	}
	if n := len(r.result.ErrorFragments); n > 0 {
		r.annotate(schemas.DetectedApplicationError, fmt.Sprintf("%d error fragment(s), first: %q", n, r.result.ErrorFragments[0].Context))
	}

	r.emit(schemas.LevelInfo, "Results extracted.", map[string]any{
		"artifacts":       strings.Join(uris, " "),
		"error_fragments": len(r.result.ErrorFragments),
	}, nil)
	r.complete(schemas.StatusSuccess, snap, "", nil)
	return true
}
