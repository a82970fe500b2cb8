package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/queue"
)

type fakeQueue struct {
	mu         sync.Mutex
	enqueueErr error
	inputs     []capture.JobInput
	jobs       map[string]capture.Job
	retrieve   map[string]error
	blobs      map[string]string
	claimed    map[string]struct{}
	unclaimed  []string
	released   []string
	stats      queue.Stats
	panicOn    string
	openErr    error
	// opened, when set, receives each opened job and holds its body until
	// the test closes hold.
	opened chan string
	hold   chan struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:     map[string]capture.Job{},
		retrieve: map[string]error{},
		blobs:    map[string]string{},
		claimed:  map[string]struct{}{},
	}
}

type heldReader struct {
	io.Reader
	hold <-chan struct{}
}

func (h heldReader) Read(p []byte) (int, error) {
	<-h.hold
	return h.Reader.Read(p)
}

func (f *fakeQueue) Enqueue(input capture.JobInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.inputs = append(f.inputs, input)
	id := "job-" + string(rune('0'+len(f.inputs)))
	pos := len(f.inputs)
	f.jobs[id] = capture.Job{ID: id, Input: input, Status: capture.JobStatusQueued, Position: &pos}
	return id, nil
}

func (f *fakeQueue) GetStatus(jobID string) (capture.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == f.panicOn {
		panic("boom")
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return capture.Job{}, capture.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeQueue) Claim(jobID string) (capture.ArtifactRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.retrieve[jobID]; ok {
		return capture.ArtifactRef{}, err
	}
	body, ok := f.blobs[jobID]
	if !ok {
		return capture.ArtifactRef{}, capture.ErrJobNotFound
	}
	if _, held := f.claimed[jobID]; held {
		return capture.ArtifactRef{}, capture.ErrArtifactNotFound
	}
	f.claimed[jobID] = struct{}{}
	return capture.ArtifactRef{
		Path:        "artifacts/" + jobID + "/httpfetch-abc.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(body)),
		SHA256:      "abc",
	}, nil
}

func (f *fakeQueue) Unclaim(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unclaimed = append(f.unclaimed, jobID)
	delete(f.claimed, jobID)
}

func (f *fakeQueue) OpenArtifact(_ context.Context, ref capture.ArtifactRef) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	for id, body := range f.blobs {
		if strings.Contains(ref.Path, "/"+id+"/") {
			if f.opened != nil {
				f.opened <- id
				return io.NopCloser(heldReader{Reader: strings.NewReader(body), hold: f.hold}), nil
			}
			return io.NopCloser(strings.NewReader(body)), nil
		}
	}
	return nil, errors.New("missing blob")
}

func (f *fakeQueue) Release(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
	delete(f.claimed, jobID)
	delete(f.blobs, jobID)
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeQueue) Stats() queue.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func serve(t *testing.T, s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	s := NewServer(q, Options{}, nil)
	rec := serve(t, s, http.MethodPost, "/v1/jobs",
		`{"url":"https://example.com/page","landscape":true,"tags":{"team":"prices"}}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp["job_id"])
	require.Equal(t, "queued", resp["status"])
	require.EqualValues(t, 1, resp["position"])
	require.Equal(t, "/v1/jobs/job-1", rec.Header().Get("Location"))
	require.Len(t, q.inputs, 1)
	require.True(t, q.inputs[0].Landscape)
	require.Equal(t, "prices", q.inputs[0].Tags["team"])
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed json", body: `{invalid`, want: "invalid JSON"},
		{name: "unknown field", body: `{"url":"https://example.com","depth":3}`, want: "invalid JSON"},
		{name: "missing url", body: `{}`, want: "URL is required"},
		{name: "ftp scheme", body: `{"url":"ftp://example.com/file"}`, want: "http or https"},
		{name: "relative", body: `{"url":"/just/a/path"}`, want: "http or https"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := newFakeQueue()
			rec := serve(t, NewServer(q, Options{}, nil), http.MethodPost, "/v1/jobs", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
			require.Empty(t, q.inputs)
		})
	}
}

func TestSubmitJobQueueFull(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.enqueueErr = &capture.QueueFullError{Queued: 2, Limit: 2}
	rec := serve(t, NewServer(q, Options{RetryAfter: 10 * time.Second}, nil),
		http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "10", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "queue full")
}

func TestSubmitJobShuttingDown(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.enqueueErr = capture.ErrShuttingDown
	rec := serve(t, NewServer(q, Options{}, nil), http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	done := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q.jobs["job-9"] = capture.Job{
		ID:          "job-9",
		Input:       capture.JobInput{URL: "https://example.com"},
		Status:      capture.JobStatusCompleted,
		CompletedAt: &done,
		Attempts:    2,
		Result:      &capture.ArtifactRef{ContentType: "application/pdf", Strategy: "summary", Degraded: true, Size: 42},
	}
	s := NewServer(q, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/jobs/job-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, capture.JobStatusCompleted, view.Status)
	require.Nil(t, view.Position)
	require.NotNil(t, view.Result)
	require.True(t, view.Result.Degraded)
	require.Equal(t, "/v1/jobs/job-9/artifact", view.Result.Download)
	require.Equal(t, 2, view.Attempts)

	rec = serve(t, s, http.MethodGet, "/v1/jobs/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadArtifactReleasesAfterStreaming(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.blobs["job-1"] = "%PDF-1.4 body"
	s := NewServer(q, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/jobs/job-1/artifact", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "%PDF-1.4 body", rec.Body.String())
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="job-1.pdf"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "13", rec.Header().Get("Content-Length"))
	require.Equal(t, []string{"job-1"}, q.released)

	rec = serve(t, s, http.MethodGet, "/v1/jobs/job-1/artifact", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadArtifactConcurrentDownloadsClaimOnce(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.blobs["job-1"] = "%PDF-1.4 body"
	q.opened = make(chan string, 1)
	q.hold = make(chan struct{})
	s := NewServer(q, Options{}, nil)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- serve(t, s, http.MethodGet, "/v1/jobs/job-1/artifact", "", nil)
	}()
	select {
	case <-q.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("first download never opened the artifact")
	}

	rec := serve(t, s, http.MethodGet, "/v1/jobs/job-1/artifact", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	close(q.hold)
	rec = <-first
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "%PDF-1.4 body", rec.Body.String())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, []string{"job-1"}, q.released)
}

func TestDownloadArtifactOpenFailureGivesClaimBack(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.blobs["job-1"] = "%PDF-1.4 body"
	q.openErr = errors.New("bucket unavailable")
	s := NewServer(q, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/jobs/job-1/artifact", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, []string{"job-1"}, q.unclaimed)
	require.Empty(t, q.released)

	q.openErr = nil
	rec = serve(t, s, http.MethodGet, "/v1/jobs/job-1/artifact", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"job-1"}, q.released)
}

func TestDownloadArtifactNotReady(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.retrieve["job-2"] = capture.ErrArtifactNotReady
	rec := serve(t, NewServer(q, Options{}, nil), http.MethodGet, "/v1/jobs/job-2/artifact", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	require.Empty(t, q.released)
}

func TestDownloadArtifactFailedJob(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.retrieve["job-3"] = capture.ErrArtifactNotFound
	rec := serve(t, NewServer(q, Options{}, nil), http.MethodGet, "/v1/jobs/job-3/artifact", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	s := NewServer(q, Options{APIKey: "secret"}, nil)

	rec := serve(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.stats = queue.Stats{Queued: 3, Processing: 1, MaxConcurrent: 1, MaxQueueDepth: 8}
	s := NewServer(q, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queued":3`)

	q.mu.Lock()
	q.stats.ShuttingDown = true
	q.mu.Unlock()
	rec = serve(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDAndRecovery(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	q.panicOn = "job-x"
	s := NewServer(q, Options{}, nil)

	rec := serve(t, s, http.MethodGet, "/v1/jobs/job-x", "", map[string]string{"X-Request-ID": "req-123"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = serve(t, s, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeQueue(), Options{}, nil)
	serve(t, s, http.MethodGet, "/healthz", "", nil)
	rec := serve(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}
