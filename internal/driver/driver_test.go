package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/mocks"
)

const (
	target   = "https://slides.example/app"
	artifact = "https://docs.google.com/presentation/d/abc123/edit"
)

// -- Fake Page --

// fakePage is a scripted page: before the action control is clicked it
// serves html/text, afterwards resultHTML/resultText once resultAfter reads
// have passed.
type fakePage struct {
	mu sync.Mutex

	inputs  []schemas.Element
	actions []schemas.Element

	html, text             string
	resultHTML, resultText string
	resultAfter            int

	clicked    bool
	reads      int
	filled     string
	clickedEl  schemas.Element
	closes     int
	clickPanic bool
	navigated  string
}

var _ schemas.PageSession = (*fakePage)(nil)

func newFakePage() *fakePage {
	return &fakePage{
		inputs: []schemas.Element{
			{Handle: "input-area-1", Kind: schemas.KindInputArea, Index: 0, Tag: "textarea", Visible: true},
		},
		actions: []schemas.Element{
			{Handle: "action-control-1", Kind: schemas.KindActionControl, Index: 0, Tag: "button", Text: "クリア", Visible: true},
			{Handle: "action-control-2", Kind: schemas.KindActionControl, Index: 1, Tag: "button", Text: "スライド生成", Visible: true},
		},
		html: `<html><body><textarea></textarea><button>スライド生成</button></body></html>`,
		text: "BPMN スライド生成ツール",
	}
}

func (p *fakePage) withResult(html, text string) *fakePage {
	p.resultHTML, p.resultText = html, text
	return p
}

func (p *fakePage) current() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clicked {
		p.reads++
		if p.resultHTML != "" || p.resultText != "" {
			if p.reads > p.resultAfter {
				return p.resultHTML, p.resultText
			}
		}
	}
	return p.html, p.text
}

func (p *fakePage) ID() string { return "fake" }

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated = url
	return nil
}

func (p *fakePage) FindByRole(_ context.Context, kind schemas.ControlKind) ([]schemas.Element, error) {
	if kind == schemas.KindInputArea {
		return p.inputs, nil
	}
	return p.actions, nil
}

func (p *fakePage) Title(context.Context) (string, error) { return "BPMN Slides", nil }
func (p *fakePage) URL(context.Context) (string, error)   { return target, nil }

func (p *fakePage) Text(context.Context) (string, error) {
	_, text := p.current()
	return text, nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	html, _ := p.current()
	return html, nil
}

func (p *fakePage) Fill(_ context.Context, _ schemas.Element, value string) error {
	p.filled = value
	return nil
}

func (p *fakePage) Click(_ context.Context, el schemas.Element) error {
	if p.clickPanic {
		panic("target crashed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = true
	p.clickedEl = el
	return nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte{0x89, 'P', 'N', 'G'}, nil }

func (p *fakePage) Close(context.Context) error {
	p.closes++
	return nil
}

type fakeFactory struct {
	page  schemas.PageSession
	calls int
}

func (f *fakeFactory) NewSession(context.Context) (schemas.PageSession, error) {
	f.calls++
	return f.page, nil
}

// -- Helpers --

func testProbeConfig() config.ProbeConfig {
	probe := config.NewDefaultConfig().Probe
	probe.PostLoadWait = 0
	probe.RunTimeout = 10 * time.Second
	probe.Completion = config.CompletionConfig{Strategy: "poll", MaxWait: 150 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	return probe
}

func testDiagConfig() config.DiagnosticsConfig {
	return config.DiagnosticsConfig{Dir: "/diag", Screenshots: true, TextLimit: 200, Transcript: true}
}

func newTestDriver(t *testing.T, factory schemas.SessionFactory, probe config.ProbeConfig) (*WorkflowDriver, *mocks.RecordingSink, afero.Fs) {
	t.Helper()
	sink := &mocks.RecordingSink{}
	fs := afero.NewMemMapFs()
	return New(factory, probe, testDiagConfig(), fs, sink, zaptest.NewLogger(t)), sink, fs
}

func snapshotNames(res *schemas.WorkflowResult) []string {
	names := make([]string, len(res.Snapshots))
	for i, s := range res.Snapshots {
		names[i] = s.Name
	}
	return names
}

func annotationKinds(res *schemas.WorkflowResult) []schemas.AnnotationKind {
	kinds := make([]schemas.AnnotationKind, len(res.Annotations))
	for i, a := range res.Annotations {
		kinds[i] = a.Kind
	}
	return kinds
}

func resultPage() string {
	return `<html><body><p>完了しました</p><a href="` + artifact + `">スライドを開く</a><a href="` + artifact + `">copy</a></body></html>`
}

// -- Scenarios --

func TestRun_Succeeds(t *testing.T) {
	page := newFakePage().withResult(resultPage(), "完了しました スライドを開く")
	factory := &fakeFactory{page: page}
	d, sink, fs := newTestDriver(t, factory, testProbeConfig())

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, schemas.PhaseDone, res.PhaseReached)
	assert.Equal(t, []string{artifact}, res.Artifacts)
	assert.Empty(t, res.ErrorFragments)
	assert.True(t, res.ExtractionAttempted)
	assert.Empty(t, res.Annotations)
	assert.Equal(t, []string{"page-loaded", "after-input", "after-generate"}, snapshotNames(res))
	assert.Equal(t, 1, page.closes)
	assert.Equal(t, target, page.navigated)
	assert.Equal(t, "action-control-2", page.clickedEl.Handle)

	sample := schemas.SampleInput()
	for _, id := range sample.Identifiers() {
		assert.Contains(t, page.filled, id)
	}

	wantPhases := []schemas.Phase{
		schemas.PhaseLoad, schemas.PhaseInspect, schemas.PhaseInput,
		schemas.PhaseSubmit, schemas.PhaseAwaitCompletion, schemas.PhaseExtractResult,
	}
	var gotPhases []schemas.Phase
	for _, p := range res.Phases {
		gotPhases = append(gotPhases, p.Phase)
		assert.Equal(t, schemas.StatusSuccess, p.Status, "phase %s", p.Phase)
	}
	if diff := cmp.Diff(wantPhases, gotPhases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}

	img, err := afero.ReadFile(fs, res.Snapshots[0].ImagePath)
	require.NoError(t, err)
	assert.NotEmpty(t, img)
	assert.Contains(t, sink.Messages(), "Page inspected.")
	assert.Zero(t, sink.CountLevel(schemas.LevelError))
}

func TestRun_InventoryTextExcerpt(t *testing.T) {
	page := newFakePage().withResult(resultPage(), "done")
	page.text = strings.Repeat("あ", textExcerptLimit+100)
	d, sink, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	d.Run(context.Background(), target, schemas.SampleInput())

	var inspected *schemas.DiagnosticEvent
	for _, ev := range sink.Events() {
		if ev.Message == "Page inspected." {
			ev := ev
			inspected = &ev
			break
		}
	}
	require.NotNil(t, inspected)
	assert.Equal(t, strings.Repeat("あ", textExcerptLimit), inspected.Fields["text"])
	assert.Equal(t, 1, inspected.Fields["input_areas"])
	assert.Equal(t, "クリア | スライド生成", inspected.Fields["action_controls"])
}

func TestRun_DetectsApplicationError(t *testing.T) {
	page := newFakePage().withResult(`<html><body><p>エラーが発生しました</p></body></html>`, "処理中にエラーが発生しました。再試行してください。")
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeDegraded, res.Outcome)
	assert.Equal(t, schemas.PhaseDone, res.PhaseReached)
	assert.Empty(t, res.Artifacts)
	require.NotEmpty(t, res.ErrorFragments)
	assert.Equal(t, "エラー", res.ErrorFragments[0].Marker)
	assert.Equal(t, []schemas.AnnotationKind{schemas.ArtifactAbsent, schemas.DetectedApplicationError}, annotationKinds(res))
	assert.False(t, res.HasAnnotation(schemas.SubmissionTimeout))
	assert.Equal(t, 1, page.closes)
}

func TestRun_TimeoutStillExtracts(t *testing.T) {
	page := newFakePage()
	d, sink, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeDegraded, res.Outcome)
	assert.Equal(t, schemas.PhaseDone, res.PhaseReached)
	assert.True(t, res.HasAnnotation(schemas.SubmissionTimeout))
	assert.True(t, res.HasAnnotation(schemas.ArtifactAbsent))
	assert.True(t, res.ExtractionAttempted)
	assert.NotNil(t, res.Artifacts)
	assert.Contains(t, snapshotNames(res), "after-generate")
	assert.Contains(t, sink.Messages(), "Completion wait timed out; extracting anyway.")
	assert.Equal(t, 1, page.closes)
}

func TestRun_ResultAppearsLate(t *testing.T) {
	page := newFakePage().withResult(resultPage(), "done")
	page.resultAfter = 4
	probe := testProbeConfig()
	probe.Completion.MaxWait = 2 * time.Second
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, probe)

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeSucceeded, res.Outcome)
	assert.False(t, res.HasAnnotation(schemas.SubmissionTimeout))
	assert.Equal(t, []string{artifact}, res.Artifacts)
}

func TestRun_NoInputArea(t *testing.T) {
	page := newFakePage()
	page.inputs = nil
	d, sink, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeDegraded, res.Outcome)
	assert.Equal(t, schemas.PhaseInspect, res.PhaseReached)
	assert.Equal(t, []schemas.AnnotationKind{schemas.LocatorNotFound}, annotationKinds(res))
	assert.False(t, res.ExtractionAttempted, "extraction never ran")
	assert.Empty(t, page.filled)
	assert.Equal(t, []string{"page-loaded"}, snapshotNames(res))
	assert.Contains(t, sink.Messages(), "No input area; page HTML excerpt follows.")
	assert.Equal(t, 1, page.closes)

	last := res.Phases[len(res.Phases)-1]
	assert.Equal(t, schemas.StatusDegraded, last.Status)
}

func TestRun_NoActionControl(t *testing.T) {
	page := newFakePage()
	page.actions = []schemas.Element{{Handle: "action-control-1", Tag: "button", Text: "Cancel", Visible: true}}
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeDegraded, res.Outcome)
	assert.Equal(t, schemas.PhaseSubmit, res.PhaseReached)
	assert.True(t, res.HasAnnotation(schemas.LocatorNotFound))
	assert.False(t, page.clicked)
	assert.NotEmpty(t, page.filled, "input phase ran before submit")
	assert.Equal(t, 1, page.closes)
}

func TestRun_CandidatePriorityBeatsDocumentOrder(t *testing.T) {
	page := newFakePage().withResult(resultPage(), "")
	page.actions = []schemas.Element{
		{Handle: "action-control-1", Tag: "button", Index: 0, Text: "Generate", Visible: true},
		{Handle: "action-control-2", Tag: "button", Index: 1, Text: "生成", Visible: true},
	}
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, "action-control-2", page.clickedEl.Handle)
}

func TestRun_BPMNPayload(t *testing.T) {
	page := newFakePage().withResult(resultPage(), "")
	probe := testProbeConfig()
	probe.PayloadFormat = "bpmn"
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, probe)

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeSucceeded, res.Outcome)
	assert.True(t, strings.HasPrefix(page.filled, "<?xml"))
}

func TestRun_InvalidInputAborts(t *testing.T) {
	page := newFakePage()
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())
	input := schemas.SampleInput()
	input.Tasks[0].ActorID = "A9"

	res := d.Run(context.Background(), target, input)

	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, schemas.PhaseInput, res.PhaseReached)
	assert.True(t, res.HasAnnotation(schemas.CollaboratorFailure))
	assert.Empty(t, page.filled)
	assert.Equal(t, 1, page.closes)
}

// -- Failures --

func TestRun_NavigationFailure(t *testing.T) {
	session := new(mocks.MockPageSession)
	session.On("Navigate", mock.Anything, target).Return(errors.New("net::ERR_NAME_NOT_RESOLVED"))
	session.On("Screenshot", mock.Anything).Return([]byte{1}, nil)
	session.On("Text", mock.Anything).Return("", nil)
	session.On("Close", mock.Anything).Return(nil).Once()
	factory := new(mocks.MockSessionFactory)
	factory.On("NewSession", mock.Anything).Return(session, nil)

	d, sink, _ := newTestDriver(t, factory, testProbeConfig())
	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, schemas.PhaseLoad, res.PhaseReached)
	assert.Equal(t, []schemas.AnnotationKind{schemas.NavigationFailure}, annotationKinds(res))
	assert.Equal(t, []string{"error-state"}, snapshotNames(res))
	assert.False(t, res.ExtractionAttempted)

	last := res.Phases[len(res.Phases)-1]
	assert.Equal(t, schemas.PhaseAborted, last.Phase)
	require.NotNil(t, last.Snapshot)
	assert.Equal(t, "error-state", last.Snapshot.Name)
	assert.Equal(t, 1, sink.CountLevel(schemas.LevelError))

	session.AssertExpectations(t)
	factory.AssertExpectations(t)
}

func TestRun_InvalidTarget(t *testing.T) {
	factory := new(mocks.MockSessionFactory)
	d, _, _ := newTestDriver(t, factory, testProbeConfig())

	res := d.Run(context.Background(), "ftp://slides.example", schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.True(t, res.HasAnnotation(schemas.NavigationFailure))
	assert.Empty(t, res.Snapshots)
	factory.AssertNotCalled(t, "NewSession", mock.Anything)
}

func TestRun_SessionOpenFailure(t *testing.T) {
	factory := new(mocks.MockSessionFactory)
	factory.On("NewSession", mock.Anything).Return(nil, errors.New("chrome not found"))
	d, _, _ := newTestDriver(t, factory, testProbeConfig())

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, schemas.PhaseLoad, res.PhaseReached)
	assert.Equal(t, []schemas.AnnotationKind{schemas.CollaboratorFailure}, annotationKinds(res))
	assert.Contains(t, res.Annotations[0].Detail, "chrome not found")
}

func TestRun_QueryFailureAborts(t *testing.T) {
	session := new(mocks.MockPageSession)
	session.On("Navigate", mock.Anything, target).Return(nil)
	session.On("Screenshot", mock.Anything).Return([]byte{1}, nil)
	session.On("Text", mock.Anything).Return("page", nil)
	session.On("Title", mock.Anything).Return("title", nil)
	session.On("FindByRole", mock.Anything, mock.Anything).Return(nil, errors.New("execution context was destroyed"))
	session.On("Close", mock.Anything).Return(nil).Once()
	factory := new(mocks.MockSessionFactory)
	factory.On("NewSession", mock.Anything).Return(session, nil)

	d, _, _ := newTestDriver(t, factory, testProbeConfig())
	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, schemas.PhaseInspect, res.PhaseReached)
	assert.True(t, res.HasAnnotation(schemas.CollaboratorFailure))
	assert.False(t, res.HasAnnotation(schemas.LocatorNotFound), "a failed query is not an absent control")
	assert.Equal(t, []string{"page-loaded", "error-state"}, snapshotNames(res))
	session.AssertExpectations(t)
}

func TestRun_PanicIsRecovered(t *testing.T) {
	page := newFakePage()
	page.clickPanic = true
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())

	var res *schemas.WorkflowResult
	require.NotPanics(t, func() {
		res = d.Run(context.Background(), target, schemas.SampleInput())
	})

	require.NotNil(t, res)
	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, schemas.PhaseSubmit, res.PhaseReached)
	assert.True(t, res.HasAnnotation(schemas.CollaboratorFailure))
	assert.Contains(t, snapshotNames(res), "error-state")
	assert.Equal(t, 1, page.closes)
}

func TestRun_CancellationClosesSession(t *testing.T) {
	page := newFakePage()
	probe := testProbeConfig()
	probe.Completion.MaxWait = time.Minute
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, probe)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res := d.Run(ctx, target, schemas.SampleInput())

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, schemas.PhaseAwaitCompletion, res.PhaseReached)
	assert.Contains(t, snapshotNames(res), "error-state", "the error-state snapshot outlives the cancelled run context")
	assert.Equal(t, 1, page.closes)
}

func TestRun_RunTimeoutBoundsTheRun(t *testing.T) {
	page := newFakePage()
	probe := testProbeConfig()
	probe.Completion.MaxWait = time.Minute
	probe.RunTimeout = 100 * time.Millisecond
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, probe)

	res := d.Run(context.Background(), target, schemas.SampleInput())

	assert.Equal(t, schemas.OutcomeAborted, res.Outcome)
	assert.Equal(t, 1, page.closes)
}

func TestRun_PostLoadSettle(t *testing.T) {
	page := newFakePage().withResult(resultPage(), "")
	probe := testProbeConfig()
	probe.PostLoadWait = 3 * time.Second
	d, _, _ := newTestDriver(t, &fakeFactory{page: page}, probe)

	var slept time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept += dur
		return nil
	}

	res := d.Run(context.Background(), target, schemas.SampleInput())
	assert.Equal(t, schemas.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3*time.Second, slept)
}

// The scenario from the probe's contract: whatever the target does, the
// result carries artifacts, error fragments or a timeout annotation.
func TestRun_ScenarioAlwaysReportsSomething(t *testing.T) {
	input := schemas.WorkflowInput{
		ProcessInfo: schemas.ProcessInfo{Name: "X"},
		Actors:      []schemas.Actor{{ID: "A1", Name: "D1"}},
		Tasks:       []schemas.Task{{ID: "T1", Name: "Task1", ActorID: "A1"}},
		Flows:       []schemas.Flow{},
	}

	pages := map[string]*fakePage{
		"artifact": newFakePage().withResult(resultPage(), "完了"),
		"error":    newFakePage().withResult("<p>Error</p>", "Error: generation failed"),
		"silent":   newFakePage(),
	}
	for name, page := range pages {
		t.Run(name, func(t *testing.T) {
			d, _, _ := newTestDriver(t, &fakeFactory{page: page}, testProbeConfig())
			res := d.Run(context.Background(), target, input)

			assert.Equal(t, schemas.PhaseDone, res.PhaseReached)
			switch {
			case len(res.Artifacts) == 1:
				assert.Empty(t, res.ErrorFragments)
			case len(res.Artifacts) == 0 && len(res.ErrorFragments) > 0:
			default:
				assert.True(t, res.HasAnnotation(schemas.SubmissionTimeout),
					"result has neither artifacts, errors nor a timeout annotation")
			}
		})
	}
}
