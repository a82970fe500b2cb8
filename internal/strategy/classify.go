package strategy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

// Failure codes reported by the strategies.
const (
	CodeInvalidURL         = "invalid_url"
	CodeDeniedHost         = "denied_host"
	CodeRateLimited        = "rate_limited"
	CodeDNSNotFound        = "dns_not_found"
	CodeTLSCertificate     = "tls_certificate"
	CodeConnectionReset    = "connection_reset"
	CodeConnectionRefused  = "connection_refused"
	CodeTransport          = "transport"
	CodeRobotsDisallowed   = "robots_disallowed"
	CodeUnsupportedContent = "unsupported_content_type"
	CodeScriptRendered     = "script_rendered"
	CodeBrowserUnavailable = "browser_unavailable"
	CodeBodyTooLarge       = "body_too_large"
	CodeRender             = "render_failed"
)

// maxRetryAfter bounds server-supplied Retry-After values.
const maxRetryAfter = 10 * time.Minute

// StatusCode returns the failure code for an HTTP status, e.g. "http_503".
func StatusCode(status int) string {
	return "http_" + strconv.Itoa(status)
}

// FromStatus classifies an HTTP response status. Success and redirect
// statuses return nil. header may be nil.
func FromStatus(status int, header http.Header) error {
	code := StatusCode(status)
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return capture.RetryableAfter(code, RetryAfter(header, time.Now()), err)
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status >= 500:
		return capture.Retryable(code, err)
	case status == http.StatusNotFound, status == http.StatusGone, status == http.StatusUnavailableForLegalReasons:
		return capture.TerminalJob(code, err)
	default:
		return capture.TerminalStrategy(code, err)
	}
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
// Missing, malformed and past values yield zero.
func RetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(raw); err == nil {
		d = at.Sub(now)
	}
	return min(max(d, 0), maxRetryAfter)
}

// FromTransport classifies an error returned before a response arrived.
// Already classified errors and context errors are returned unchanged.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var se *capture.StrategyError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return capture.TerminalJob(CodeDNSNotFound, err)
	}
	if isCertificateError(err) {
		return capture.TerminalStrategy(CodeTLSCertificate, err)
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return capture.Retryable(CodeConnectionReset, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return capture.Retryable(CodeConnectionRefused, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return capture.Retryable(capture.CodeTimeout, err)
	}
	return capture.Retryable(CodeTransport, err)
}

func isCertificateError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}
