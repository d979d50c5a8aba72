// Package browser implements page sessions on top of a Chrome instance driven
// through the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

const defaultLaunchTimeout = 30 * time.Second

// Manager owns the browser process. The process is launched lazily by the
// first NewSession call; every session is a tab of that process.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	initOnce sync.Once
	initErr  error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ schemas.SessionFactory = (*Manager)(nil)

// NewManager creates a manager. No browser is started yet.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
	m.logger.Debug("Browser manager created (launch deferred).", zap.Bool("headless", cfg.Headless))
	return m
}

// initialize starts the browser process and waits for it to answer.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser...")

		// The allocator must not inherit the caller's deadline: it owns the
		// process for the whole life of the manager.
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.cfg)...)
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx,
			chromedp.WithLogf(m.logger.Sugar().Debugf),
			chromedp.WithErrorf(m.logger.Sugar().Debugf),
		)

		timeout := m.cfg.LaunchTimeout
		if timeout <= 0 {
			timeout = defaultLaunchTimeout
		}
		if err := runBounded(ctx, timeout, func() error { return chromedp.Run(m.browserCtx) }); err != nil {
			m.browserCancel()
			m.allocatorCancel()
			m.initErr = fmt.Errorf("browser failed to start or respond: %w", err)
			return
		}
		m.logger.Info("Browser launched and responsive.")
	})
	return m.initErr
}

// NewSession opens a new tab.
func (m *Manager) NewSession(ctx context.Context) (schemas.PageSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.initialize(ctx); err != nil {
		m.wg.Done()
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	s := newSession(tabCtx, tabCancel, m.cfg, m.logger, m.wg.Done)

	if err := runBounded(ctx, m.launchTimeout(), func() error { return chromedp.Run(tabCtx) }); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(cleanupCtx)
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		err := s.runActions(ctx, m.cfg.ActionTimeout,
			chromedp.EmulateViewport(int64(m.cfg.ViewportWidth), int64(m.cfg.ViewportHeight)))
		if err != nil {
			s.logger.Debug("Could not apply viewport.", zap.Error(err))
		}
	}

	s.logger.Info("New session created.")
	return s, nil
}

func (m *Manager) launchTimeout() time.Duration {
	if m.cfg.LaunchTimeout > 0 {
		return m.cfg.LaunchTimeout
	}
	return defaultLaunchTimeout
}

// Shutdown waits for open sessions to close, bounded by ctx, then terminates
// the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
		m.logger.Info("Browser process terminated.")
	}
	return nil
}

// runBounded runs fn and gives up after timeout or when ctx is done. fn keeps
// running in the background in that case; callers cancel its context.
func runBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
