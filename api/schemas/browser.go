package schemas

import (
	"context"
	"time"
)

// -- Page Element Schemas --

// ControlKind is the logical category of a control the probe looks for.
type ControlKind string

const (
	// KindInputArea covers multi-line text entry controls.
	KindInputArea ControlKind = "input-area"
	// KindActionControl covers buttons and button-like elements.
	KindActionControl ControlKind = "action-control"
)

// Element is a snapshot of a live page element. Handle is an engine specific
// reference the session can resolve again for Fill and Click.
type Element struct {
	Handle      string      `json:"handle"`
	Kind        ControlKind `json:"kind"`
	Index       int         `json:"index"`
	Tag         string      `json:"tag"`
	Role        string      `json:"role,omitempty"`
	Text        string      `json:"text,omitempty"`
	Label       string      `json:"label,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	Visible     bool        `json:"visible"`
}

// LocatorSpec describes a logical control by kind and ordered label candidates.
type LocatorSpec struct {
	Kind       ControlKind
	Candidates []string
}

// -- Session Interfaces --

// ElementQuerier lists the elements of a kind in document order.
type ElementQuerier interface {
	FindByRole(ctx context.Context, kind ControlKind) ([]Element, error)
}

// PageSession is a live document driven by the probe.
type PageSession interface {
	ElementQuerier

	ID() string
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	// Text returns the rendered text content of the document body.
	Text(ctx context.Context) (string, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	Fill(ctx context.Context, el Element, value string) error
	Click(ctx context.Context, el Element) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// SessionFactory opens page sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (PageSession, error)
}

// -- Diagnostic Interfaces --

// EventLevel is the severity of a diagnostic event.
type EventLevel string

const (
	LevelDebug EventLevel = "debug"
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// DiagnosticEvent is one entry of the run transcript.
type DiagnosticEvent struct {
	RunID   string
	Phase   Phase
	Level   EventLevel
	Message string
	Fields  map[string]any
	Err     error
	Time    time.Time
}

// DiagnosticSink receives every transcript event of a run. Implementations
// must not block for long and must be safe to call after a failure.
type DiagnosticSink interface {
	Emit(ev DiagnosticEvent)
}
