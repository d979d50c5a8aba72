package browser

import (
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/formprobe/internal/config"
)

// launchFlag is a single command line switch passed to the browser.
type launchFlag struct {
	name  string
	value any
}

// launchFlags lists the switches for cfg in the order they are applied.
// Later entries override earlier ones with the same name.
func launchFlags(cfg config.BrowserConfig, goos string) []launchFlag {
	flags := []launchFlag{
		// chromedp's defaults include this one; drop it so the page sees a
		// regular browser.
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"hide-scrollbars", cfg.Headless},
		{"mute-audio", true},
		{"disable-gpu", cfg.Headless},
		{"disable-extensions", true},
		{"disable-blink-features", "AutomationControlled"},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, launchFlag{name, parts[1]})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}

	// Containers usually lack the sandbox prerequisites.
	if goos == "linux" {
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
			launchFlag{"disable-setuid-sandbox", true},
		)
	}
	return flags
}

// AllocatorOptions builds the exec allocator options for cfg on top of
// chromedp's defaults.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	for _, f := range launchFlags(cfg, runtime.GOOS) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}
