package schemas

import "time"

// -- Phase Schemas --

// Phase identifies one step of the probe workflow.
type Phase string

const (
	PhaseLoad            Phase = "Load"
	PhaseInspect         Phase = "Inspect"
	PhaseInput           Phase = "Input"
	PhaseSubmit          Phase = "Submit"
	PhaseAwaitCompletion Phase = "AwaitCompletion"
	PhaseExtractResult   Phase = "ExtractResult"
	PhaseDone            Phase = "Done"
	PhaseAborted         Phase = "Aborted"
)

// PhaseStatus is the outcome tag of a single phase.
type PhaseStatus string

const (
	StatusSuccess  PhaseStatus = "Success"
	StatusDegraded PhaseStatus = "Degraded"
	StatusFatal    PhaseStatus = "Fatal"
)

// PhaseResult records how one phase ended.
type PhaseResult struct {
	Phase    Phase         `json:"phase"`
	Status   PhaseStatus   `json:"status"`
	Snapshot *SnapshotRef  `json:"snapshot,omitempty"`
	Error    string        `json:"error,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// -- Diagnostic Schemas --

// SnapshotRef points at a stored diagnostic capture. A failed capture still
// yields a ref with Error set.
type SnapshotRef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phase       Phase     `json:"phase"`
	ImagePath   string    `json:"imagePath,omitempty"`
	TextPath    string    `json:"textPath,omitempty"`
	TextExcerpt string    `json:"textExcerpt,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
	CapturedAt  time.Time `json:"capturedAt"`
	Error       string    `json:"error,omitempty"`
}

// Fragment is one error marker occurrence with surrounding context.
type Fragment struct {
	Marker  string `json:"marker"`
	Offset  int    `json:"offset"`
	Context string `json:"context"`
}

// AnnotationKind classifies a notable condition observed during a run.
type AnnotationKind string

const (
	// NavigationFailure means the target could not be loaded. Fatal.
	NavigationFailure AnnotationKind = "NavigationFailure"
	// LocatorNotFound means an expected control was absent. Degraded.
	LocatorNotFound AnnotationKind = "LocatorNotFound"
	// SubmissionTimeout means the completion predicate never held within the bound. Degraded.
	SubmissionTimeout AnnotationKind = "SubmissionTimeout"
	// ArtifactAbsent means extraction ran but found no matching link.
	ArtifactAbsent AnnotationKind = "ArtifactAbsent"
	// DetectedApplicationError means error markers were found in the rendered page.
	DetectedApplicationError AnnotationKind = "DetectedApplicationError"
	// CollaboratorFailure covers any other session failure or recovered panic. Fatal.
	CollaboratorFailure AnnotationKind = "CollaboratorFailure"
)

// Annotation attaches a classified condition to the phase it occurred in.
type Annotation struct {
	Kind   AnnotationKind `json:"kind"`
	Phase  Phase          `json:"phase"`
	Detail string         `json:"detail,omitempty"`
}

// -- Result Schemas --

// Outcome summarizes a whole run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeDegraded  Outcome = "Degraded"
	OutcomeAborted   Outcome = "Aborted"
)

// WorkflowResult is the final report of a run. It is assembled once and not
// modified after it is returned.
type WorkflowResult struct {
	RunID               string        `json:"runId"`
	Target              string        `json:"target"`
	PhaseReached        Phase         `json:"phaseReached"`
	Outcome             Outcome       `json:"outcome"`
	Artifacts           []string      `json:"artifacts"`
	ExtractionAttempted bool          `json:"extractionAttempted"`
	ErrorFragments      []Fragment    `json:"errorFragments"`
	Snapshots           []SnapshotRef `json:"snapshots"`
	Phases              []PhaseResult `json:"phases"`
	Annotations         []Annotation  `json:"annotations"`
	StartedAt           time.Time     `json:"startedAt"`
	FinishedAt          time.Time     `json:"finishedAt"`
}

// HasAnnotation reports whether an annotation of the given kind was recorded.
func (r *WorkflowResult) HasAnnotation(kind AnnotationKind) bool {
	for _, a := range r.Annotations {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
