package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/config"
	memorystorage "github.com/JakeFAU/pagecapture/internal/storage/memory"
)

func placeholderConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, RequestTimeoutSeconds: 5},
		Queue: config.QueueConfig{
			MaxConcurrent: 2,
			MaxQueueDepth: 4,
		},
		Sweeper: config.SweeperConfig{Interval: "@every 1h"},
		Strategies: []config.StrategyConfig{
			{Name: config.StrategySummary, Enabled: false, TimeoutSeconds: 5},
			{Name: config.StrategyPlaceholder, Enabled: true, TimeoutSeconds: 5},
		},
		Storage: config.StorageConfig{Backend: config.StorageMemory, Prefix: "artifacts"},
		Logging: config.LoggingConfig{Development: true},
	}
}

func buildApp(t *testing.T) *App {
	t.Helper()
	app, err := Build(context.Background(), placeholderConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, app.Close(context.Background()))
	})
	return app
}

func TestBuildRegistersOnlyEnabledStrategies(t *testing.T) {
	app := buildApp(t)

	descs := app.pipeline.Descriptors()
	require.Len(t, descs, 1)
	require.Equal(t, config.StrategyPlaceholder, descs[0].Name)
	require.Equal(t, 1, descs[0].Ordinal)
	require.Nil(t, app.headless)
	require.Nil(t, app.progressHub)
}

func TestBuildRejectsUnknownStrategy(t *testing.T) {
	cfg := placeholderConfig()
	cfg.Strategies = append(cfg.Strategies, config.StrategyConfig{Name: "carrier-pigeon", Enabled: true})

	app, err := Build(context.Background(), cfg)
	require.Error(t, err)
	require.Nil(t, app)
	require.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRenderWritesArtifactAndDeletesBlob(t *testing.T) {
	app := buildApp(t)

	var buf bytes.Buffer
	ref, err := app.Render(context.Background(), capture.JobInput{URL: "https://example.com/page"}, &buf)
	require.NoError(t, err)
	require.Equal(t, config.StrategyPlaceholder, ref.Strategy)
	require.True(t, ref.Degraded)
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
	require.EqualValues(t, buf.Len(), ref.Size)

	blobs, ok := app.blobs.(*memorystorage.BlobStore)
	require.True(t, ok)
	require.Zero(t, blobs.Len())
}

func TestRenderRejectsInvalidInput(t *testing.T) {
	app := buildApp(t)

	_, err := app.Render(context.Background(), capture.JobInput{URL: "not a url"}, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid input")
}

func TestHandlerServesJobLifecycle(t *testing.T) {
	app := buildApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json",
		strings.NewReader(`{"url":"https://example.com/a","tags":{"k":"v"}}`))
	require.NoError(t, err)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.JobID)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/v1/jobs/" + accepted.JobID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var view struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			return false
		}
		return view.Status == string(capture.JobStatusCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Get(srv.URL + "/v1/jobs/" + accepted.JobID + "/artifact")
	require.NoError(t, err)
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.NoError(t, r.Body.Close())
	require.Equal(t, http.StatusOK, r.StatusCode)
	require.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
	require.True(t, bytes.HasPrefix(body, []byte("%PDF")))

	require.Eventually(t, func() bool {
		again, err := http.Get(srv.URL + "/v1/jobs/" + accepted.JobID + "/artifact")
		if err != nil {
			return false
		}
		_ = again.Body.Close()
		return again.StatusCode == http.StatusNotFound
	}, 2*time.Second, 20*time.Millisecond)
}
