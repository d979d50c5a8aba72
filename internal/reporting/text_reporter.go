package reporting

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// TextReporter writes a human readable summary of each result.
type TextReporter struct {
	w io.WriteCloser
}

// NewTextReporter takes ownership of w.
func NewTextReporter(w io.WriteCloser) *TextReporter {
	return &TextReporter{w: w}
}

func (r *TextReporter) Write(res *schemas.WorkflowResult) error {
	bw := bufio.NewWriter(r.w)

	fmt.Fprintf(bw, "Run %s\n", res.RunID)
	fmt.Fprintf(bw, "  Target:        %s\n", res.Target)
	fmt.Fprintf(bw, "  Outcome:       %s\n", res.Outcome)
	fmt.Fprintf(bw, "  Phase reached: %s\n", res.PhaseReached)
	fmt.Fprintf(bw, "  Duration:      %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	fmt.Fprintln(bw, "\nPhases:")
	for _, p := range res.Phases {
		fmt.Fprintf(bw, "  %-16s %-9s %8s", p.Phase, p.Status, p.Duration.Round(time.Millisecond))
		if p.Detail != "" {
			fmt.Fprintf(bw, "  %s", p.Detail)
		}
		if p.Error != "" {
			fmt.Fprintf(bw, "  error: %s", p.Error)
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "\nArtifacts:")
	switch {
	case !res.ExtractionAttempted:
		fmt.Fprintln(bw, "  (extraction not attempted)")
	case len(res.Artifacts) == 0:
		fmt.Fprintln(bw, "  (none)")
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(bw, "  %s\n", a)
	}

	if len(res.ErrorFragments) > 0 {
		fmt.Fprintln(bw, "\nError fragments:")
		for _, f := range res.ErrorFragments {
			fmt.Fprintf(bw, "  [%s @%d] %s\n", f.Marker, f.Offset, f.Context)
		}
	}

	if len(res.Annotations) > 0 {
		fmt.Fprintln(bw, "\nAnnotations:")
		for _, a := range res.Annotations {
			fmt.Fprintf(bw, "  %-24s %-16s %s\n", a.Kind, a.Phase, a.Detail)
		}
	}

	if len(res.Snapshots) > 0 {
		fmt.Fprintln(bw, "\nSnapshots:")
		for _, s := range res.Snapshots {
			loc := s.ImagePath
			if loc == "" {
				loc = s.TextPath
			}
			if s.Error != "" {
				loc += " (" + s.Error + ")"
			}
			fmt.Fprintf(bw, "  %-16s %s\n", s.Name, loc)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}

func (r *TextReporter) Close() error {
	return r.w.Close()
}
