package httpfetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/clock/manual"
	"github.com/JakeFAU/pagecapture/internal/policy/denylist"
	"github.com/JakeFAU/pagecapture/internal/strategy"
)

const articleHTML = `<!doctype html>
<html><head><title>Quarterly prices</title></head>
<body>
<nav><a href="/">Home</a></nav>
<main>
<h1>Quarterly prices</h1>
<p>Prices of staple goods rose slightly during the quarter while services stayed flat. The
detailed breakdown below covers food, housing and transport, with links to the raw tables for
readers who want to check the numbers themselves. See <a href="/tables/q1">the tables</a>.</p>
<ul><li>Food up 1.2%</li><li>Housing flat</li></ul>
</main>
<footer>Copyright</footer>
</body></html>`

func newTestStrategy(cfg Config) *Strategy {
	clock := manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(cfg, strategy.NewGuard(nil, nil), clock, nil)
}

func execute(t *testing.T, s *Strategy, rawURL string) (capture.Artifact, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Execute(ctx, capture.StrategyRequest{JobID: "job-1", Input: capture.JobInput{URL: rawURL}})
}

func requireFailure(t *testing.T, err error, kind capture.FailureKind, code string) {
	t.Helper()
	require.Error(t, err)
	gotKind, gotCode := capture.Classify(err)
	require.Equal(t, kind, gotKind, "error: %v", err)
	require.Equal(t, code, gotCode)
}

func TestExecuteRendersHTMLPage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(srv.Close)

	s := newTestStrategy(Config{UserAgent: "pagecapture-test"})
	require.Equal(t, Name, s.Name())

	art, err := execute(t, s, srv.URL+"/article")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", art.ContentType)
	require.Equal(t, "pdf", art.Extension)
	require.False(t, art.Degraded)
	require.True(t, bytes.HasPrefix(art.Data, []byte("%PDF-")))
}

func TestExecuteSendsUserAgent(t *testing.T) {
	t.Parallel()
	agents := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, newTestStrategy(Config{UserAgent: "pagecapture-test"}), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "pagecapture-test", <-agents)
}

func TestExecuteClassifiesStatuses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		kind   capture.FailureKind
		code   string
	}{
		{name: "not found", status: http.StatusNotFound, kind: capture.KindTerminalJob, code: "http_404"},
		{name: "forbidden", status: http.StatusForbidden, kind: capture.KindTerminalStrategy, code: "http_403"},
		{name: "server error", status: http.StatusBadGateway, kind: capture.KindRetryable, code: "http_502"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			t.Cleanup(srv.Close)

			_, err := execute(t, newTestStrategy(Config{}), srv.URL)
			requireFailure(t, err, tc.kind, tc.code)
		})
	}
}

func TestExecuteCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, newTestStrategy(Config{}), srv.URL)
	requireFailure(t, err, capture.KindRetryable, "http_503")
	require.Equal(t, 7*time.Second, capture.RetryAfterHint(err))
}

func TestExecuteHonoursRobots(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, newTestStrategy(Config{RespectRobots: true}), srv.URL+"/private/page")
	requireFailure(t, err, capture.KindTerminalJob, strategy.CodeRobotsDisallowed)

	_, err = execute(t, newTestStrategy(Config{RespectRobots: true}), srv.URL+"/public")
	require.NoError(t, err)

	_, err = execute(t, newTestStrategy(Config{RespectRobots: false}), srv.URL+"/private/page")
	require.NoError(t, err)
}

func TestExecuteRejectsNonHTML(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, newTestStrategy(Config{}), srv.URL)
	requireFailure(t, err, capture.KindTerminalStrategy, strategy.CodeUnsupportedContent)
}

func TestExecuteDetectsScriptShell(t *testing.T) {
	t.Parallel()
	shell := `<!doctype html><html><head><title>App</title>` +
		`<script>window.__STATE__={"user":null,"items":[1,2,3]};function boot(){}</script>` +
		`</head><body><div id="root"></div><script src="/bundle.js"></script></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(shell))
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, newTestStrategy(Config{}), srv.URL)
	requireFailure(t, err, capture.KindTerminalStrategy, strategy.CodeScriptRendered)
}

func TestExecuteRejectsBadAndDeniedURLs(t *testing.T) {
	t.Parallel()
	_, err := execute(t, newTestStrategy(Config{}), "ftp://example.com/file")
	requireFailure(t, err, capture.KindTerminalJob, strategy.CodeInvalidURL)

	clock := manual.New(time.Now())
	s := New(Config{}, strategy.NewGuard(denylist.New([]string{"*.blocked.test"}), nil), clock, nil)
	_, err = execute(t, s, "https://www.blocked.test/")
	requireFailure(t, err, capture.KindTerminalJob, strategy.CodeDeniedHost)
}

func TestExecuteStopsAtDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newTestStrategy(Config{}).Execute(ctx, capture.StrategyRequest{
		JobID: "job-1",
		Input: capture.JobInput{URL: srv.URL},
	})
	requireFailure(t, err, capture.KindRetryable, capture.CodeTimeout)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()
	require.True(t, isHTML(""))
	require.True(t, isHTML("text/html; charset=utf-8"))
	require.True(t, isHTML("application/xhtml+xml"))
	require.False(t, isHTML("application/pdf"))
	require.False(t, isHTML("text/plain"))
	require.True(t, isHTML("TEXT/HTML"))
}

func TestExecuteRefusesRedirectToDeniedHost(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(target.Close)
	targetURL, err := url.Parse(target.URL)
	require.NoError(t, err)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost:"+targetURL.Port()+"/", http.StatusFound)
	}))
	t.Cleanup(origin.Close)

	clock := manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	guard := strategy.NewGuard(denylist.New([]string{"localhost"}), nil)
	s := New(Config{UserAgent: "pagecapture-test"}, guard, clock, nil)

	_, err = execute(t, s, origin.URL+"/start")
	requireFailure(t, err, capture.KindTerminalJob, strategy.CodeDeniedHost)
	require.Zero(t, hits.Load(), "denied host must not be contacted")
}
