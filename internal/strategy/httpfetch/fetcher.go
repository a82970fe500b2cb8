// Package httpfetch captures a page with a plain HTTP GET through colly,
// converts the HTML to Markdown and renders it to PDF. It cannot run scripts
// and reports pages that need them as script_rendered.
package httpfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/render"
	"github.com/JakeFAU/pagecapture/internal/strategy"
)

// Name is the strategy name used in configuration.
const Name = "httpfetch"

const (
	defaultMaxBodyBytes = 10 << 20
	maxRedirects        = 10
)

// Config controls the fetch.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// MaxBodyBytes truncates larger bodies (default 10 MiB).
	MaxBodyBytes int
	// SPAThreshold is the body size below which script-heavy pages count as
	// application shells.
	SPAThreshold int
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

// Strategy implements capture.Strategy.
type Strategy struct {
	cfg       Config
	guard     *strategy.Guard
	clock     capture.Clock
	detector  *Detector
	transport http.RoundTripper
	logger    *zap.Logger
}

var _ capture.Strategy = (*Strategy)(nil)

// New builds the strategy. guard may be nil.
func New(cfg Config, guard *strategy.Guard, clock capture.Clock, logger *zap.Logger) *Strategy {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{
		cfg:       cfg,
		guard:     guard,
		clock:     clock,
		detector:  NewDetector(cfg.SPAThreshold),
		transport: transport,
		logger:    logger,
	}
}

// Name implements capture.Strategy.
func (s *Strategy) Name() string { return Name }

// Execute implements capture.Strategy.
func (s *Strategy) Execute(ctx context.Context, req capture.StrategyRequest) (capture.Artifact, error) {
	target, err := s.guard.Check(ctx, req.Input.URL)
	if err != nil {
		return capture.Artifact{}, err
	}
	resp, err := s.fetch(ctx, target.String())
	if err != nil {
		return capture.Artifact{}, err
	}
	if !isHTML(resp.contentType) {
		return capture.Artifact{}, capture.TerminalStrategy(strategy.CodeUnsupportedContent,
			fmt.Errorf("content type %q", resp.contentType))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.body))
	if err != nil {
		return capture.Artifact{}, capture.TerminalStrategy(strategy.CodeRender, fmt.Errorf("parse html: %w", err))
	}
	title := pageTitle(doc)
	if s.detector.ScriptRendered(resp.body, stripBoilerplate(doc)) {
		return capture.Artifact{}, capture.TerminalStrategy(strategy.CodeScriptRendered,
			errors.New("page content is rendered by scripts"))
	}

	markdown := toMarkdown(doc, resp.url, title)
	data, err := render.Markdown([]byte(markdown), render.Options{
		Landscape:  req.Input.Landscape,
		Title:      title,
		SourceURL:  resp.url,
		CapturedAt: s.clock.Now(),
	})
	if err != nil {
		return capture.Artifact{}, capture.TerminalStrategy(strategy.CodeRender, err)
	}
	s.logger.Debug("page fetched",
		zap.String("job_id", req.JobID),
		zap.String("url", resp.url),
		zap.Int("html_bytes", len(resp.body)),
		zap.Int("markdown_bytes", len(markdown)),
		zap.Bool("robots_fallback", resp.robotsFallback),
	)
	return capture.Artifact{
		Data:        data,
		ContentType: render.ContentType,
		Extension:   render.Extension,
	}, nil
}

type fetchResult struct {
	url            string
	status         int
	header         http.Header
	contentType    string
	body           []byte
	robotsFallback bool
}

// fetch runs a single GET with a collector scoped to this attempt.
func (s *Strategy) fetch(ctx context.Context, target string) (fetchResult, error) {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
		colly.MaxBodySize(s.cfg.MaxBodyBytes),
	)
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !s.cfg.RespectRobots
	var probe *robotsProbe
	if s.cfg.RespectRobots {
		probe = newRobotsProbe()
	}
	c.WithTransport(&boundTransport{ctx: ctx, base: s.transport, probe: probe})

	var (
		result      fetchResult
		fetchErr    error
		redirectErr error
	)
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if err := s.guard.CheckRedirect(req.URL); err != nil {
			redirectErr = err
			return err
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})
	c.OnResponse(func(r *colly.Response) {
		result = fetchResult{
			url:         r.Request.URL.String(),
			status:      r.StatusCode,
			header:      r.Headers.Clone(),
			contentType: r.Headers.Get("Content-Type"),
			body:        append([]byte(nil), r.Body...),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode != 0 {
			result.status = r.StatusCode
			if r.Headers != nil {
				result.header = r.Headers.Clone()
			}
		}
	})

	visitErr := c.Visit(target)
	if probe != nil {
		result.robotsFallback = probe.fallback
	}
	if visitErr == nil {
		visitErr = fetchErr
	}
	if redirectErr != nil {
		return fetchResult{}, redirectErr
	}
	switch {
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return fetchResult{}, capture.TerminalJob(strategy.CodeRobotsDisallowed, visitErr)
	case result.status != 0:
		if err := strategy.FromStatus(result.status, result.header); err != nil {
			return fetchResult{}, err
		}
	}
	if visitErr != nil {
		return fetchResult{}, strategy.FromTransport(fmt.Errorf("fetch %s: %w", target, visitErr))
	}
	if result.status == 0 {
		return fetchResult{}, capture.Retryable(strategy.CodeTransport, errors.New("no response received"))
	}
	return result, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
