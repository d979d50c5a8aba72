// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Probe       ProbeConfig       `mapstructure:"probe" yaml:"probe"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser process driving the probe.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// CompletionConfig tunes the wait for the asynchronous result.
type CompletionConfig struct {
	// Strategy is "poll" (check every Interval) or "fixed" (sleep MaxWait, check once).
	Strategy     string        `mapstructure:"strategy" yaml:"strategy"`
	MaxWait      time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// ProbeConfig describes the target application and how to read it.
type ProbeConfig struct {
	TargetURL      string        `mapstructure:"target_url" yaml:"target_url"`
	InputFile      string        `mapstructure:"input_file" yaml:"input_file"`
	PayloadFormat  string        `mapstructure:"payload_format" yaml:"payload_format"`
	RunTimeout     time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	PostLoadWait   time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	ArtifactPrefix string        `mapstructure:"artifact_prefix" yaml:"artifact_prefix"`
	// Labels maps a logical control ("input", "generate") to its label
	// candidates in priority order. Adding a locale is a config change.
	Labels        map[string][]string `mapstructure:"labels" yaml:"labels"`
	ErrorMarkers  []string            `mapstructure:"error_markers" yaml:"error_markers"`
	ContextRadius int                 `mapstructure:"context_radius" yaml:"context_radius"`
	Completion    CompletionConfig    `mapstructure:"completion" yaml:"completion"`
}

// DiagnosticsConfig controls snapshot capture and storage.
type DiagnosticsConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	Screenshots bool   `mapstructure:"screenshots" yaml:"screenshots"`
	TextLimit   int    `mapstructure:"text_limit" yaml:"text_limit"`
	Transcript  bool   `mapstructure:"transcript" yaml:"transcript"`
}

// Logical control names used as keys of ProbeConfig.Labels.
const (
	ControlInput    = "input"
	ControlGenerate = "generate"
)

// LabelsFor returns the candidate labels for a logical control.
func (p ProbeConfig) LabelsFor(control string) []string {
	return p.Labels[strings.ToLower(control)]
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "formprobe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "10s")

	// -- Probe --
	v.SetDefault("probe.payload_format", "json")
	v.SetDefault("probe.run_timeout", "3m")
	v.SetDefault("probe.post_load_wait", "3s")
	v.SetDefault("probe.artifact_prefix", "https://docs.google.com/presentation/")
	v.SetDefault("probe.labels", map[string][]string{
		ControlInput:    {},
		ControlGenerate: {"生成", "スライド生成", "Generate"},
	})
	v.SetDefault("probe.error_markers", []string{"error", "エラー"})
	v.SetDefault("probe.context_radius", 40)
	v.SetDefault("probe.completion.strategy", "poll")
	v.SetDefault("probe.completion.max_wait", "10s")
	v.SetDefault("probe.completion.poll_interval", "500ms")

	// -- Diagnostics --
	v.SetDefault("diagnostics.dir", "formprobe-diagnostics")
	v.SetDefault("diagnostics.screenshots", true)
	v.SetDefault("diagnostics.text_limit", 1000)
	v.SetDefault("diagnostics.transcript", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every filesystem path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Diagnostics.Dir, &c.Probe.InputFile, &c.Browser.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
// The target URL is optional here because it may be supplied per run.
func (c *Config) Validate() error {
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.Probe.Validate(); err != nil {
		return fmt.Errorf("probe configuration invalid: %w", err)
	}
	if c.Diagnostics.TextLimit < 0 {
		return errors.New("diagnostics.text_limit must not be negative")
	}
	return nil
}

// Validate checks the browser configuration.
func (b *BrowserConfig) Validate() error {
	if b.ViewportWidth <= 0 || b.ViewportHeight <= 0 {
		return errors.New("viewport dimensions must be positive")
	}
	if b.NavigationTimeout <= 0 {
		return errors.New("navigation_timeout must be a positive duration")
	}
	if b.ActionTimeout <= 0 {
		return errors.New("action_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the probe configuration.
func (p *ProbeConfig) Validate() error {
	if p.TargetURL != "" {
		if err := ValidateTarget(p.TargetURL); err != nil {
			return err
		}
	}
	switch p.PayloadFormat {
	case "json", "bpmn":
	default:
		return fmt.Errorf("payload_format must be json or bpmn, got %q", p.PayloadFormat)
	}
	if p.ArtifactPrefix == "" {
		return errors.New("artifact_prefix is required")
	}
	if len(p.LabelsFor(ControlGenerate)) == 0 {
		return errors.New("labels.generate must list at least one label")
	}
	if p.ContextRadius < 0 {
		return errors.New("context_radius must not be negative")
	}
	if err := p.Completion.Validate(); err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	return nil
}

// Validate checks the completion wait settings.
func (c *CompletionConfig) Validate() error {
	switch c.Strategy {
	case "poll":
		if c.PollInterval <= 0 {
			return errors.New("poll_interval must be a positive duration")
		}
	case "fixed":
	default:
		return fmt.Errorf("strategy must be poll or fixed, got %q", c.Strategy)
	}
	if c.MaxWait <= 0 {
		return errors.New("max_wait must be a positive duration")
	}
	return nil
}

// ValidateTarget checks that a target is an absolute http(s) URL.
func ValidateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("target_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target_url must use http or https, got %q", target)
	}
	if u.Host == "" {
		return fmt.Errorf("target_url has no host: %q", target)
	}
	return nil
}
