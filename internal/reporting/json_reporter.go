package reporting

import (
	"fmt"
	"io"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

var jsonAPI = json.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// JSONReporter writes each result as an indented JSON document.
type JSONReporter struct {
	w io.WriteCloser
}

// NewJSONReporter takes ownership of w.
func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{w: w}
}

func (r *JSONReporter) Write(result *schemas.WorkflowResult) error {
	out, err := jsonAPI.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run result: %w", err)
	}
	out = append(out, '\n')
	if _, err := r.w.Write(out); err != nil {
		return fmt.Errorf("failed to write run result: %w", err)
	}
	return nil
}

func (r *JSONReporter) Close() error {
	return r.w.Close()
}
