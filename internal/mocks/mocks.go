// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// -- Page Session Mock --

// MockPageSession mocks schemas.PageSession.
type MockPageSession struct {
	mock.Mock
}

var _ schemas.PageSession = (*MockPageSession)(nil)

func (m *MockPageSession) ID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockPageSession) FindByRole(ctx context.Context, kind schemas.ControlKind) ([]schemas.Element, error) {
	args := m.Called(ctx, kind)
	var els []schemas.Element
	if v := args.Get(0); v != nil {
		els = v.([]schemas.Element)
	}
	return els, args.Error(1)
}

func (m *MockPageSession) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockPageSession) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPageSession) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPageSession) Text(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPageSession) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPageSession) Fill(ctx context.Context, el schemas.Element, value string) error {
	args := m.Called(ctx, el, value)
	return args.Error(0)
}

func (m *MockPageSession) Click(ctx context.Context, el schemas.Element) error {
	args := m.Called(ctx, el)
	return args.Error(0)
}

func (m *MockPageSession) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	var buf []byte
	if v := args.Get(0); v != nil {
		buf = v.([]byte)
	}
	return buf, args.Error(1)
}

func (m *MockPageSession) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// -- Session Factory Mock --

// MockSessionFactory mocks schemas.SessionFactory.
type MockSessionFactory struct {
	mock.Mock
}

var _ schemas.SessionFactory = (*MockSessionFactory)(nil)

func (m *MockSessionFactory) NewSession(ctx context.Context) (schemas.PageSession, error) {
	args := m.Called(ctx)
	var s schemas.PageSession
	if v := args.Get(0); v != nil {
		s = v.(schemas.PageSession)
	}
	return s, args.Error(1)
}

// -- Diagnostic Sink Fake --

// RecordingSink is an in-memory schemas.DiagnosticSink for assertions.
type RecordingSink struct {
	mu     sync.Mutex
	events []schemas.DiagnosticEvent
}

var _ schemas.DiagnosticSink = (*RecordingSink)(nil)

func (s *RecordingSink) Emit(ev schemas.DiagnosticEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything emitted so far.
func (s *RecordingSink) Events() []schemas.DiagnosticEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.DiagnosticEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Messages returns the message of every event in emission order.
func (s *RecordingSink) Messages() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Message
	}
	return out
}

// CountLevel counts events at the given level.
func (s *RecordingSink) CountLevel(level schemas.EventLevel) int {
	n := 0
	for _, ev := range s.Events() {
		if ev.Level == level {
			n++
		}
	}
	return n
}
