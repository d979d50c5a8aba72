package schemas

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
)

// ErrInvalidInput is wrapped by every WorkflowInput validation failure.
var ErrInvalidInput = errors.New("invalid workflow input")

// -- Workflow Payload Schemas --

// ProcessInfo names the process being described by the payload.
type ProcessInfo struct {
	Name string `json:"name"`
}

// Actor is a participant (lane) of the process.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Task is a unit of work performed by a single actor.
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ActorID string `json:"actorId"`
}

// UnmarshalJSON accepts the older "actor" key as an alias of "actorId".
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		ActorID string `json:"actorId"`
		Actor   string `json:"actor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.ID, t.Name, t.ActorID = raw.ID, raw.Name, raw.ActorID
	if t.ActorID == "" {
		t.ActorID = raw.Actor
	}
	return nil
}

// Flow is a directed edge between two tasks.
type Flow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// WorkflowInput is the structured payload entered into the target application.
// It is built once per run and treated as read-only afterwards.
type WorkflowInput struct {
	ProcessInfo ProcessInfo `json:"processInfo"`
	Actors      []Actor     `json:"actors"`
	Tasks       []Task      `json:"tasks"`
	Flows       []Flow      `json:"flows"`
}

// Validate checks referential integrity of the payload. All violations are
// reported together.
func (w *WorkflowInput) Validate() error {
	var errs []error

	actors := make(map[string]bool, len(w.Actors))
	for i, a := range w.Actors {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("actors[%d]: id is empty", i))
		case actors[a.ID]:
			errs = append(errs, fmt.Errorf("actors[%d]: duplicate id %q", i, a.ID))
		}
		actors[a.ID] = true
	}

	tasks := make(map[string]bool, len(w.Tasks))
	for i, t := range w.Tasks {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("tasks[%d]: id is empty", i))
		case tasks[t.ID]:
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID))
		}
		tasks[t.ID] = true
		if !actors[t.ActorID] {
			errs = append(errs, fmt.Errorf("tasks[%d]: actorId %q does not reference an actor", i, t.ActorID))
		}
	}

	for i, f := range w.Flows {
		if !tasks[f.From] {
			errs = append(errs, fmt.Errorf("flows[%d]: from %q does not reference a task", i, f.From))
		}
		if !tasks[f.To] {
			errs = append(errs, fmt.Errorf("flows[%d]: to %q does not reference a task", i, f.To))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
}

// Identifiers returns every actor, task and flow endpoint identifier in
// payload order.
func (w *WorkflowInput) Identifiers() []string {
	ids := make([]string, 0, len(w.Actors)+len(w.Tasks)+2*len(w.Flows))
	for _, a := range w.Actors {
		ids = append(ids, a.ID)
	}
	for _, t := range w.Tasks {
		ids = append(ids, t.ID, t.ActorID)
	}
	for _, f := range w.Flows {
		ids = append(ids, f.From, f.To)
	}
	return ids
}

// SampleInput is the payload used when the caller supplies none.
func SampleInput() WorkflowInput {
	return WorkflowInput{
		ProcessInfo: ProcessInfo{Name: "formprobe sample"},
		Actors: []Actor{
			{ID: "A1", Name: "Department 1"},
			{ID: "A2", Name: "Department 2"},
		},
		Tasks: []Task{
			{ID: "T1", Name: "Task 1", ActorID: "A1"},
			{ID: "T2", Name: "Task 2", ActorID: "A2"},
		},
		Flows: []Flow{{From: "T1", To: "T2"}},
	}
}
