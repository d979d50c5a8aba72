package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/api/schemas"
	"github.com/xkilldash9x/formprobe/internal/config"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("session is closed")
	// ErrStaleElement means a previously located element left the document.
	ErrStaleElement = errors.New("element is no longer attached to the document")
	// ErrNotEditable means the element has no value or text to set.
	ErrNotEditable = errors.New("element is not editable")
)

// Session is a single browser tab and implements schemas.PageSession.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.PageSession = (*Session)(nil)

func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger, onClose func()) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  logger.Named("session").With(zap.String("session_id", id)),
		onClose: onClose,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// runActions executes actions bounded by the tab lifetime, the caller's
// context and timeout (when positive).
func (s *Session) runActions(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.closed() {
		return ErrSessionClosed
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) evaluate(ctx context.Context, script string, res any) error {
	return s.runActions(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true)
		}),
	)
}

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.closed() {
		return ErrSessionClosed
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if s.cfg.NavigationTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, s.cfg.NavigationTimeout)
		defer cancelTimeout()
	}

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	if resp != nil {
		s.logger.Debug("Navigation response received.",
			zap.String("url", resp.URL),
			zap.Int64("status", resp.Status),
			zap.String("mime_type", resp.MimeType))
	}
	return nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.runActions(ctx, s.cfg.ActionTimeout, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read title: %w", err)
	}
	return title, nil
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var loc string
	if err := s.runActions(ctx, s.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

func (s *Session) Text(ctx context.Context) (string, error) {
	var text string
	if err := s.evaluate(ctx, bodyTextScript, &text); err != nil {
		return "", fmt.Errorf("failed to read body text: %w", err)
	}
	return text, nil
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.runActions(ctx, s.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return html, nil
}

// FindByRole lists the elements of kind in document order. Each element is
// tagged in the page so its handle stays valid until the node is removed.
func (s *Session) FindByRole(ctx context.Context, kind schemas.ControlKind) ([]schemas.Element, error) {
	script, err := findScript(kind)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := s.evaluate(ctx, script, &raw); err != nil {
		return nil, fmt.Errorf("failed to query %s elements: %w", kind, err)
	}
	return decodeElements(raw, kind)
}

func (s *Session) Fill(ctx context.Context, el schemas.Element, value string) error {
	var status string
	if err := s.evaluate(ctx, fillScript(el.Handle, value), &status); err != nil {
		return fmt.Errorf("failed to fill %s: %w", el.Handle, err)
	}
	if err := fillResult(el.Handle, status); err != nil {
		return err
	}
	s.logger.Debug("Element filled.", zap.String("handle", el.Handle), zap.Int("length", len(value)))
	return nil
}

func fillResult(handle, status string) error {
	switch status {
	case fillDone:
		return nil
	case fillMissing:
		return fmt.Errorf("fill %s: %w", handle, ErrStaleElement)
	case fillUnsupported:
		return fmt.Errorf("fill %s: %w", handle, ErrNotEditable)
	default:
		return fmt.Errorf("fill %s: unexpected result %q", handle, status)
	}
}

func (s *Session) Click(ctx context.Context, el schemas.Element) error {
	sel := handleSelector(el.Handle)
	err := s.runActions(ctx, s.cfg.ActionTimeout,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return fmt.Errorf("failed to click %s: %w", el.Handle, err)
	}
	s.logger.Debug("Element clicked.", zap.String("handle", el.Handle), zap.String("text", el.Text))
	return nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.runActions(ctx, s.cfg.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// chromedp.Cancel closes the target gracefully; the deadline comes from ctx.
	err := runBounded(ctx, s.closeTimeout(ctx), func() error { return chromedp.Cancel(s.ctx) })
	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close tab: %w", err)
	}
	return nil
}

func (s *Session) closeTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return 10 * time.Second
}
