package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
	"github.com/xkilldash9x/formprobe/internal/observability"
)

const envPrefix = "FORMPROBE"

// NewRootCommand builds the command tree over the local filesystem and the
// chromedp browser.
func NewRootCommand() *cobra.Command {
	return newRootCmd(defaultDeps())
}

func newRootCmd(deps runDeps) *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "formprobe",
		Short:         "formprobe drives a web form end to end and reports what it produced.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "formprobe"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting formprobe", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newRunCmd(v, deps))
	rootCmd.AddCommand(newValidateCmd(v, deps.fs))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command with a signal aware context. Failures are
// logged here; the returned error only drives the exit code.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	var outcomeErr *OutcomeError
	switch {
	case errors.As(err, &outcomeErr):
		// The report already says everything about the run.
	case errors.Is(err, context.Canceled):
		observability.GetLogger().Warn("Interrupted.")
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// initializeConfig reads the config file and environment into v.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults and environment only.
	}
	return nil
}

// runDeps are the outside world collaborators of the run and validate
// commands.
type runDeps struct {
	fs         afero.Fs
	newFactory func(cfg config.BrowserConfig, logger *zap.Logger) sessionFactory
	newDriver  func(factory schemas.SessionFactory, cfg *config.Config, fs afero.Fs, sink schemas.DiagnosticSink, logger *zap.Logger) schemas.Driver
}

func defaultDeps() runDeps {
	return runDeps{
		fs:         afero.NewOsFs(),
		newFactory: newBrowserFactory,
		newDriver:  newWorkflowDriver,
	}
}
