// Package headless captures pages by printing them to PDF in headless
// Chrome through chromedp. It is the highest fidelity strategy.
package headless

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/strategy"
)

// Name is the strategy name used in configuration.
const Name = "headless"

const defaultSettle = 500 * time.Millisecond

// Config controls the browser.
type Config struct {
	// MaxParallel caps concurrent tabs; zero means unlimited.
	MaxParallel int
	UserAgent   string
	// Settle is the pause after the body is ready and before printing.
	Settle time.Duration
	// ExecPath selects the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
}

// Strategy implements capture.Strategy. The browser process starts on the
// first attempt and is shared by all tabs until Close.
type Strategy struct {
	cfg     Config
	guard   *strategy.Guard
	limiter chan struct{}
	logger  *zap.Logger

	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc
	launching     *launch
	closed        bool
}

// launch is a browser start shared by every attempt that arrives while it
// runs. done is closed once browser or err is set.
type launch struct {
	done    chan struct{}
	browser context.Context
	err     error
}

var _ capture.Strategy = (*Strategy)(nil)

// New creates the strategy. No browser is launched until Execute.
func New(cfg Config, guard *strategy.Guard, logger *zap.Logger) (*Strategy, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.Settle < 0 {
		return nil, errors.New("settle must be >= 0")
	}
	if cfg.Settle == 0 {
		cfg.Settle = defaultSettle
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Strategy{
		cfg:         cfg,
		guard:       guard,
		limiter:     limiter,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Name implements capture.Strategy.
func (s *Strategy) Name() string { return Name }

// Close shuts the browser down.
func (s *Strategy) Close() {
	s.mu.Lock()
	s.closed = true
	if s.browserCancel != nil {
		s.browserCancel()
		s.browser, s.browserCancel = nil, nil
	}
	s.mu.Unlock()
	s.allocCancel()
}

// Execute implements capture.Strategy.
func (s *Strategy) Execute(ctx context.Context, req capture.StrategyRequest) (capture.Artifact, error) {
	target, err := s.guard.Check(ctx, req.Input.URL)
	if err != nil {
		return capture.Artifact{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return capture.Artifact{}, err
	}
	defer s.release()

	browser, err := s.browserContext(ctx)
	if err != nil {
		return capture.Artifact{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browser)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	if err := chromedp.Run(tabCtx,
		s.networkSetupAction(),
		chromedp.Navigate(target.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return capture.Artifact{}, s.classify(ctx, err)
	}
	status, headers, finalURL := meta.snapshotWithFallbacks(target.String())
	if err := s.checkFinalURL(finalURL); err != nil {
		return capture.Artifact{}, err
	}
	if err := strategy.FromStatus(status, headers); err != nil {
		return capture.Artifact{}, err
	}

	var data []byte
	if err := chromedp.Run(tabCtx,
		chromedp.Sleep(s.cfg.Settle),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithLandscape(req.Input.Landscape).
				WithPreferCSSPageSize(true).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			data = buf
			return nil
		}),
	); err != nil {
		return capture.Artifact{}, s.classify(ctx, err)
	}
	if len(data) == 0 {
		return capture.Artifact{}, capture.Retryable(strategy.CodeRender, errors.New("browser returned an empty pdf"))
	}
	s.logger.Debug("page printed",
		zap.String("job_id", req.JobID),
		zap.String("url", finalURL),
		zap.Int("status", status),
		zap.Int("pdf_bytes", len(data)),
	)
	return capture.Artifact{
		Data:        data,
		ContentType: "application/pdf",
		Extension:   "pdf",
	}, nil
}

// browserContext returns the shared browser, starting it when needed. The
// launch runs outside the lock and each caller waits only as long as ctx.
func (s *Strategy) browserContext(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, capture.Retryable(strategy.CodeBrowserUnavailable, errors.New("headless strategy closed"))
	}
	if s.browser != nil && s.browser.Err() == nil {
		browser := s.browser
		s.mu.Unlock()
		return browser, nil
	}
	l := s.launching
	if l == nil {
		l = &launch{done: make(chan struct{})}
		s.launching = l
		go s.launch(l)
	}
	s.mu.Unlock()

	select {
	case <-l.done:
		return l.browser, l.err
	case <-ctx.Done():
		return nil, capture.Retryable(capture.CodeTimeout, fmt.Errorf("wait for browser launch: %w", ctx.Err()))
	}
}

func (s *Strategy) launch(l *launch) {
	browserCtx, cancel := chromedp.NewContext(s.allocator)
	err := chromedp.Run(browserCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(l.done)
	s.launching = nil
	switch {
	case err != nil:
		cancel()
		l.err = classifyLaunch(err)
		s.logger.Warn("browser launch failed", zap.Error(err))
	case s.closed:
		cancel()
		l.err = capture.Retryable(strategy.CodeBrowserUnavailable, errors.New("headless strategy closed"))
	default:
		if s.browserCancel != nil {
			s.browserCancel()
		}
		s.browser, s.browserCancel = browserCtx, cancel
		l.browser = browserCtx
	}
}

// checkFinalURL applies the deny list to the URL the tab ended on, which
// differs from the target after redirects.
func (s *Strategy) checkFinalURL(finalURL string) error {
	u, err := url.Parse(finalURL)
	if err != nil {
		return nil
	}
	return s.guard.CheckRedirect(u)
}

func (s *Strategy) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Strategy) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *Strategy) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// classify maps a chromedp failure. Once the attempt context is done its
// error wins so the pipeline sees a timeout or cancellation.
func (s *Strategy) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("headless attempt: %w", ctxErr)
	}
	return classifyError(err)
}

var netErrorCodes = []struct {
	marker string
	wrap   func(code string, err error) error
	code   string
}{
	{"net::ERR_NAME_NOT_RESOLVED", capture.TerminalJob, strategy.CodeDNSNotFound},
	{"net::ERR_CERT_", capture.TerminalStrategy, strategy.CodeTLSCertificate},
	{"net::ERR_SSL_", capture.TerminalStrategy, strategy.CodeTLSCertificate},
	{"net::ERR_CONNECTION_REFUSED", capture.Retryable, strategy.CodeConnectionRefused},
	{"net::ERR_CONNECTION_RESET", capture.Retryable, strategy.CodeConnectionReset},
	{"net::ERR_TIMED_OUT", capture.Retryable, capture.CodeTimeout},
	{"net::ERR_ABORTED", capture.TerminalStrategy, strategy.CodeUnsupportedContent},
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if missingBrowser(err) {
		return capture.TerminalStrategy(strategy.CodeBrowserUnavailable, err)
	}
	msg := err.Error()
	for _, c := range netErrorCodes {
		if strings.Contains(msg, c.marker) {
			return c.wrap(c.code, err)
		}
	}
	return capture.Retryable(strategy.CodeTransport, err)
}

// classifyLaunch reports a missing Chrome binary as terminal for this
// strategy; other launch failures stay retryable.
func classifyLaunch(err error) error {
	if missingBrowser(err) {
		return capture.TerminalStrategy(strategy.CodeBrowserUnavailable, err)
	}
	return capture.Retryable(strategy.CodeBrowserUnavailable, fmt.Errorf("start browser: %w", err))
}

func missingBrowser(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		strings.Contains(err.Error(), "executable file not found")
}
