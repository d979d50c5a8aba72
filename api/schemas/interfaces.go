package schemas

import "context"

// -- Component Interfaces --

// Predicate is evaluated against the current document state by the poller.
type Predicate func(ctx context.Context) (bool, error)

// Recorder captures phase-tagged diagnostic snapshots.
type Recorder interface {
	Record(ctx context.Context, phase Phase, name string) SnapshotRef
}

// Driver runs the probe workflow against a target and always returns a result.
type Driver interface {
	Run(ctx context.Context, target string, input WorkflowInput) *WorkflowResult
}
