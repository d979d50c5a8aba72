// Package payload turns a WorkflowInput into the text entered into the target
// application, and loads payload documents from disk.
package payload

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// Format selects the textual form of the payload.
type Format string

const (
	FormatJSON Format = "json"
	FormatBPMN Format = "bpmn"
)

// jsonAPI keeps non-ASCII and markup characters verbatim so the text typed
// into the page matches the source document.
var jsonAPI = json.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatBPMN:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported payload format %q", s)
	}
}

// Serialize renders input in the requested format. The output is
// deterministic: the same input always yields the same bytes, and every
// actor, task and flow identifier appears in it.
func Serialize(input schemas.WorkflowInput, format Format) (string, error) {
	switch format {
	case FormatJSON, "":
		return serializeJSON(input)
	case FormatBPMN:
		return serializeBPMN(input)
	default:
		return "", fmt.Errorf("unsupported payload format %q", format)
	}
}

func serializeJSON(input schemas.WorkflowInput) (string, error) {
	out, err := jsonAPI.MarshalIndent(normalize(input), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow input: %w", err)
	}
	return string(out), nil
}

// normalize replaces nil collections with empty ones so they render as []
// rather than null.
func normalize(input schemas.WorkflowInput) schemas.WorkflowInput {
	if input.Actors == nil {
		input.Actors = []schemas.Actor{}
	}
	if input.Tasks == nil {
		input.Tasks = []schemas.Task{}
	}
	if input.Flows == nil {
		input.Flows = []schemas.Flow{}
	}
	return input
}

// Decode reads a JSON payload and validates it.
func Decode(r io.Reader) (schemas.WorkflowInput, error) {
	var input schemas.WorkflowInput
	data, err := io.ReadAll(r)
	if err != nil {
		return input, fmt.Errorf("failed to read workflow input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return input, fmt.Errorf("%w: document is empty", schemas.ErrInvalidInput)
	}
	if err := jsonAPI.Unmarshal(data, &input); err != nil {
		return input, fmt.Errorf("%w: %w", schemas.ErrInvalidInput, err)
	}
	if err := input.Validate(); err != nil {
		return input, err
	}
	return input, nil
}

// Load reads and validates the payload document at path.
func Load(fs afero.Fs, path string) (schemas.WorkflowInput, error) {
	f, err := fs.Open(path)
	if err != nil {
		return schemas.WorkflowInput{}, fmt.Errorf("failed to open workflow input %s: %w", path, err)
	}
	defer f.Close()

	input, err := Decode(f)
	if err != nil {
		return input, fmt.Errorf("workflow input %s: %w", path, err)
	}
	return input, nil
}
