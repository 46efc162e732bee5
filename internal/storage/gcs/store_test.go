package gcs

import (
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

	"github.com/JakeFAU/mediascrape/internal/media"
)

type fixedHash string

func (f fixedHash) Hash([]byte) (string, error) { return string(f), nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "/scrapes/"}, fixedHash("batch-1"), fixedClock{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBulkInsertUploadsNDJSON(t *testing.T) {
	t.Parallel()

	bodies := make(chan string, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		bodies <- string(body)
		fmt.Fprintln(w, `{"name":"scrapes/2024/05/01/batch-1.ndjson","bucket":"test-bucket"}`)
	})
	store := newTestStore(t, handler)

	records := []media.Record{
		{Kind: media.KindImage, URL: "https://a.test/1.png", SourceURL: "https://a.test", AltText: "one", JobID: "j1"},
		{Kind: media.KindVideo, URL: "https://a.test/2.mp4", SourceURL: "https://a.test", JobID: "j1"},
	}
	require.NoError(t, store.BulkInsert(context.Background(), records))

	body := <-bodies
	require.Contains(t, body, `"name":"scrapes/2024/05/01/batch-1.ndjson"`)
	require.Contains(t, body, "application/x-ndjson")
	require.Contains(t, body, `"url":"https://a.test/1.png"`)
	require.Contains(t, body, `"url":"https://a.test/2.mp4"`)
	require.Equal(t, 2, strings.Count(body, `"source_url":"https://a.test"`))
}

func TestBulkInsertSurfacesUploadErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := store.BulkInsert(context.Background(), []media.Record{{Kind: media.KindImage, URL: "https://a.test/1.png"}})
	require.ErrorContains(t, err, "close writer")
}

func TestBulkInsertEmptyBatchSkipsUpload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("unexpected upload")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	require.NoError(t, store.BulkInsert(context.Background(), nil))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, fixedHash("x"), fixedClock{})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck
	_, err = New(client, Config{}, fixedHash("x"), fixedClock{})
	require.ErrorContains(t, err, "bucket name is required")
}
