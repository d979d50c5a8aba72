// Package reporting writes probe run results.
package reporting

import (
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// Reporter writes run results to an output.
type Reporter interface {
	// Write renders a single run result.
	Write(result *schemas.WorkflowResult) error
	// Close flushes the report and releases the output.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format ("json" or "text") writing to outputPath
// on fs, or to stdout when outputPath is empty or "stdout". stdout is never
// closed by the reporter.
func New(fs afero.Fs, format, outputPath string, stdout io.Writer) (Reporter, error) {
	switch format {
	case "json", "text":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{stdout}
	} else {
		f, err := fs.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	if format == "json" {
		return NewJSONReporter(writer), nil
	}
	return NewTextReporter(writer), nil
}
