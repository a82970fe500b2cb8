package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/policy/denylist"
	"github.com/JakeFAU/pagecapture/internal/policy/ratelimit"
)

// Guard vets a URL before a strategy fetches it. A nil Guard only checks
// the URL shape.
type Guard struct {
	deny    *denylist.List
	limiter *ratelimit.Limiter
}

// NewGuard builds a Guard. Either argument may be nil.
func NewGuard(deny *denylist.List, limiter *ratelimit.Limiter) *Guard {
	return &Guard{deny: deny, limiter: limiter}
}

// Check normalizes rawURL, rejects unsupported or denied targets and waits
// for the host's rate limit.
func (g *Guard) Check(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, capture.TerminalJob(CodeInvalidURL, err)
	}
	if g == nil {
		return u, nil
	}
	if g.deny.Denied(u.Host) {
		return nil, capture.TerminalJob(CodeDeniedHost, fmt.Errorf("host %s is denied", u.Hostname()))
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, u.String()); err != nil {
			return nil, capture.Retryable(CodeRateLimited, err)
		}
	}
	return u, nil
}

// CheckRedirect vets a URL reached by following a redirect. Denied hosts are
// terminal for the job; the rate limit is not applied to hops.
func (g *Guard) CheckRedirect(u *url.URL) error {
	if g == nil || u == nil {
		return nil
	}
	if g.deny.Denied(u.Host) {
		return capture.TerminalJob(CodeDeniedHost, fmt.Errorf("redirect to denied host %s", u.Hostname()))
	}
	return nil
}

// NormalizeURL parses rawURL, requires an http(s) scheme and a host,
// lowercases scheme and host, drops default ports and the fragment.
func NormalizeURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("url has no host")
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}
