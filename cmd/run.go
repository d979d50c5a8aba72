package cmd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/browser"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/diagnostics"
	"github.com/xkilldash9x/formprobe/internal/driver"
	"github.com/xkilldash9x/formprobe/internal/observability"
	"github.com/xkilldash9x/formprobe/internal/payload"
	"github.com/xkilldash9x/formprobe/internal/reporting"
)

const shutdownTimeout = 15 * time.Second

// OutcomeError is returned by the run command when the probe finished but did
// not succeed.
type OutcomeError struct {
	RunID   string
	Outcome schemas.Outcome
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("probe run %s finished %s", e.RunID, e.Outcome)
}

// ExitCode maps an Execute error to a process exit code: 0 for success and
// interruption, 2 for a degraded or aborted run, 1 for anything else.
func ExitCode(err error) int {
	var outcomeErr *OutcomeError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.As(err, &outcomeErr):
		return 2
	default:
		return 1
	}
}

// sessionFactory is a SessionFactory owning a browser that must be shut down.
type sessionFactory interface {
	schemas.SessionFactory
	Shutdown(ctx context.Context) error
}

func newBrowserFactory(cfg config.BrowserConfig, logger *zap.Logger) sessionFactory {
	return browser.NewManager(cfg, logger)
}

func newWorkflowDriver(factory schemas.SessionFactory, cfg *config.Config, fs afero.Fs, sink schemas.DiagnosticSink, logger *zap.Logger) schemas.Driver {
	return driver.New(factory, cfg.Probe, cfg.Diagnostics, fs, sink, logger)
}

// newRunCmd creates the `run` command.
func newRunCmd(v *viper.Viper, deps runDeps) *cobra.Command {
	var output, format string

	runCmd := &cobra.Command{
		Use:   "run [target-url]",
		Short: "Load the target form, submit a workflow and report the result",
		Long: `Run loads the target page, fills its input area with the serialized workflow,
presses the generate control and waits for the result. The run report is
written to stdout or --output; snapshots and the transcript go to the
diagnostics directory.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			bindings := map[string]string{
				"probe.target_url":          "target",
				"probe.input_file":          "input",
				"probe.payload_format":      "payload-format",
				"probe.completion.max_wait": "max-wait",
				"browser.headless":          "headless",
				"diagnostics.dir":           "diagnostics-dir",
			}
			for key, flag := range bindings {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			if len(args) == 1 {
				v.Set("probe.target_url", args[0])
			}
			switch format {
			case "json", "text":
				return nil
			default:
				return fmt.Errorf("unsupported output format: %s", format)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-read the config now that flags are bound.
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to apply flag overrides: %w", err)
			}
			if cfg.Probe.TargetURL == "" {
				return errors.New("no target: pass a target URL or set probe.target_url")
			}

			input, err := loadInput(deps, cfg.Probe.InputFile, logger)
			if err != nil {
				return err
			}

			return runProbe(ctx, cmd, deps, cfg, input, format, output, logger)
		},
	}

	runCmd.Flags().StringP("target", "t", "", "URL of the form to probe")
	runCmd.Flags().StringP("input", "i", "", "workflow input file (JSON); the built-in sample is used when empty")
	runCmd.Flags().StringP("payload-format", "p", "json", "serialization written into the form: json or bpmn")
	runCmd.Flags().Duration("max-wait", 10*time.Second, "upper bound on the wait for the result")
	runCmd.Flags().Bool("headless", true, "run the browser without a window")
	runCmd.Flags().String("diagnostics-dir", "formprobe-diagnostics", "directory for snapshots and the transcript")
	runCmd.Flags().StringVarP(&output, "output", "o", "", "report file (default stdout)")
	runCmd.Flags().StringVarP(&format, "format", "f", "json", "report format: json or text")
	return runCmd
}

func loadInput(deps runDeps, inputFile string, logger *zap.Logger) (schemas.WorkflowInput, error) {
	if inputFile == "" {
		logger.Info("No workflow input file given; using the sample workflow.")
		return schemas.SampleInput(), nil
	}
	input, err := payload.Load(deps.fs, inputFile)
	if err != nil {
		return schemas.WorkflowInput{}, err
	}
	logger.Info("Workflow input loaded.",
		zap.String("path", inputFile),
		zap.Int("actors", len(input.Actors)),
		zap.Int("tasks", len(input.Tasks)),
		zap.Int("flows", len(input.Flows)))
	return input, nil
}

// newRunSinks fans transcript events out to the logger and, when enabled, to
// an in-memory transcript saved after the run.
func newRunSinks(logger *zap.Logger, keepTranscript bool) (diagnostics.MultiSink, *diagnostics.Transcript) {
	sinks := diagnostics.MultiSink{diagnostics.NewZapSink(logger)}
	if !keepTranscript {
		return sinks, nil
	}
	transcript := diagnostics.NewTranscript()
	return append(sinks, transcript), transcript
}

func runProbe(ctx context.Context, cmd *cobra.Command, deps runDeps, cfg *config.Config, input schemas.WorkflowInput, format, output string, logger *zap.Logger) error {
	sinks, transcript := newRunSinks(logger, cfg.Diagnostics.Transcript)

	factory := deps.newFactory(cfg.Browser, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(browser.Detach(ctx), shutdownTimeout)
		defer cancel()
		if err := factory.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()

	d := deps.newDriver(factory, cfg, deps.fs, sinks, logger)
	result := d.Run(ctx, cfg.Probe.TargetURL, input)

	if transcript != nil {
		p, err := transcript.Save(deps.fs, path.Join(cfg.Diagnostics.Dir, result.RunID))
		if err != nil {
			logger.Warn("Failed to save transcript.", zap.Error(err))
		} else {
			logger.Info("Transcript saved.", zap.String("path", p))
		}
	}

	reporter, err := reporting.New(deps.fs, format, output, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := reporter.Write(result); err != nil {
		reporter.Close()
		return err
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}

	logger.Info("Probe run finished.",
		zap.String("run_id", result.RunID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("phase_reached", string(result.PhaseReached)),
		zap.Int("artifacts", len(result.Artifacts)))

	if err := ctx.Err(); err != nil {
		return err
	}
	if result.Outcome != schemas.OutcomeSucceeded {
		return &OutcomeError{RunID: result.RunID, Outcome: result.Outcome}
	}
	return nil
}
