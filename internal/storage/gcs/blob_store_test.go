package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newTestStore points a GCS client at handler.
func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	objectName := "artifacts/job-1/headless-abc.pdf"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "%PDF")
		fmt.Fprintln(w, `{"name": "`+objectName+`", "bucket": "test-bucket"}`)
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(context.Background(), objectName, "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectName, uri)

	_, err = store.PutObject(context.Background(), "", "application/pdf", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestDeleteMissingObjectIsNotAnError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error": {"code": 404, "message": "No such object"}}`)
	})

	store := newTestStore(t, handler)
	require.NoError(t, store.DeleteObject(context.Background(), "artifacts/gone.pdf"))
}

func TestListObjects(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/b/test-bucket/o"))
		assert.Equal(t, "artifacts/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"kind": "storage#objects", "items": [
			{"name": "artifacts/a/1.pdf", "bucket": "test-bucket", "size": "12", "updated": "2024-01-02T03:04:05Z"}
		]}`)
	})

	store := newTestStore(t, handler)
	objs, err := store.ListObjects(context.Background(), "artifacts/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "artifacts/a/1.pdf", objs[0].Path)
	assert.Equal(t, int64(12), objs[0].Size)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), objs[0].UpdatedAt.UTC())
}
