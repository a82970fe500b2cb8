// Package summary produces a degraded capture: a PDF listing the page's
// title, description, outline and links, extracted with goquery from a
// single bounded GET.
package summary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/render"
	"github.com/JakeFAU/pagecapture/internal/strategy"
)

// Name is the strategy name used in configuration.
const Name = "summary"

const (
	defaultMaxBodyBytes = 2 << 20
	defaultMaxLinks     = 25
	maxHeadings         = 20
	maxRedirects        = 10
)

// Config controls the fetch and the extracted summary.
type Config struct {
	UserAgent    string
	MaxBodyBytes int64
	MaxLinks     int
	// Client overrides the HTTP client. Its timeout is ignored in favour of
	// the attempt context.
	Client *http.Client
}

// Strategy implements capture.Strategy.
type Strategy struct {
	cfg    Config
	guard  *strategy.Guard
	clock  capture.Clock
	client *http.Client
	logger *zap.Logger
}

var _ capture.Strategy = (*Strategy)(nil)

// New builds the strategy. guard may be nil.
func New(cfg Config, guard *strategy.Guard, clock capture.Clock, logger *zap.Logger) *Strategy {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = defaultMaxLinks
	}
	var client http.Client
	if cfg.Client != nil {
		client = *cfg.Client
	}
	client.CheckRedirect = redirectPolicy(guard, client.CheckRedirect)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{cfg: cfg, guard: guard, clock: clock, client: &client, logger: logger}
}

// redirectPolicy refuses hops to denied hosts before any request is sent,
// then defers to next or the net/http limit of 10 redirects.
func redirectPolicy(guard *strategy.Guard, next func(*http.Request, []*http.Request) error) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if err := guard.CheckRedirect(req.URL); err != nil {
			return err
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
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
	doc, finalURL, err := s.get(ctx, target.String())
	if err != nil {
		return capture.Artifact{}, err
	}
	sum := Extract(doc, finalURL, s.cfg.MaxLinks)
	data, err := render.SummaryDocument(sum, render.Options{
		Landscape:  req.Input.Landscape,
		SourceURL:  finalURL.String(),
		CapturedAt: s.clock.Now(),
	})
	if err != nil {
		return capture.Artifact{}, capture.TerminalStrategy(strategy.CodeRender, err)
	}
	s.logger.Debug("summary extracted",
		zap.String("job_id", req.JobID),
		zap.String("url", finalURL.String()),
		zap.Int("headings", len(sum.Headings)),
		zap.Int("links", len(sum.Links)),
	)
	return capture.Artifact{
		Data:        data,
		ContentType: render.ContentType,
		Extension:   render.Extension,
		Degraded:    true,
	}, nil
}

func (s *Strategy) get(ctx context.Context, target string) (*goquery.Document, *url.URL, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, capture.TerminalJob(strategy.CodeInvalidURL, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	if s.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, nil, strategy.FromTransport(fmt.Errorf("get %s: %w", target, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if err := strategy.FromStatus(resp.StatusCode, resp.Header); err != nil {
		return nil, nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil &&
			mediaType != "text/html" && mediaType != "application/xhtml+xml" {
			return nil, nil, capture.TerminalStrategy(strategy.CodeUnsupportedContent,
				fmt.Errorf("content type %q", ct))
		}
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, capture.Retryable(strategy.CodeTransport, fmt.Errorf("read body: %w", err))
	}
	return doc, resp.Request.URL, nil
}

// Extract builds a render.Summary from doc. Relative links resolve against
// base; only http(s) links are kept, deduplicated, at most maxLinks.
func Extract(doc *goquery.Document, base *url.URL, maxLinks int) render.Summary {
	sum := render.Summary{
		Title:       firstNonEmpty(meta(doc, "og:title"), text(doc.Find("title").First()), text(doc.Find("h1").First())),
		SiteName:    meta(doc, "og:site_name"),
		Description: firstNonEmpty(meta(doc, "og:description"), meta(doc, "description"), meta(doc, "twitter:description")),
	}
	if img := meta(doc, "og:image"); img != "" {
		if u := resolve(base, img); u != "" {
			sum.Image = u
		}
	}

	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if h := text(sel); h != "" {
			sum.Headings = append(sum.Headings, h)
		}
		return len(sum.Headings) < maxHeadings
	})

	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(sum.Links) >= maxLinks {
			return false
		}
		href, _ := sel.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		sum.Links = append(sum.Links, render.Link{Text: text(sel), URL: abs})
		return true
	})
	return sum
}

func meta(doc *goquery.Document, key string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolve returns the absolute http(s) form of raw without its fragment, or
// "" when raw is not a web link.
func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
