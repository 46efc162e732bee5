package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/mediascrape/internal/fetcher/colly"
	"github.com/JakeFAU/mediascrape/internal/media"
)

type stubFetcher struct {
	page media.Page
	err  error
	urls []string
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (media.Page, error) {
	s.urls = append(s.urls, url)
	return s.page, s.err
}

func TestPipelineExtractEndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>
<img src="https://cdn.test/abs.png" alt="abs">
<img src="/rel.png">
<iframe src="https://vimeo.com/123"></iframe>
</body></html>`))
	}))
	defer srv.Close()

	pipeline := NewPipeline(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), nil, zap.NewNop())
	refs, err := pipeline.Extract(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	require.Equal(t, []media.Reference{
		{Kind: media.KindImage, URL: "https://cdn.test/abs.png", AltText: "abs"},
		{Kind: media.KindImage, URL: srv.URL + "/rel.png"},
		{Kind: media.KindVideo, URL: "https://vimeo.com/123"},
	}, refs)
}

func TestPipelinePropagatesFetchError(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{err: &media.FetchError{URL: "https://x.test", StatusCode: http.StatusBadGateway}}
	_, err := NewPipeline(fetcher, nil, nil).Extract(context.Background(), "https://x.test")
	var fetchErr *media.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
	require.Equal(t, []string{"https://x.test"}, fetcher.urls)
}

func TestPipelineRejectsBinaryBody(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{page: media.Page{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"image/png"}},
		Body:       []byte{0x89, 'P', 'N', 'G'},
	}}
	_, err := NewPipeline(fetcher, nil, nil).Extract(context.Background(), "https://x.test/logo.png")
	var parseErr *media.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.True(t, errors.Is(err, errNotText))
}

func TestPipelineSniffsMissingContentType(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{page: media.Page{
		StatusCode: http.StatusOK,
		Body:       []byte(`<!DOCTYPE html><html><img src="/a.png"></html>`),
	}}
	refs, err := NewPipeline(fetcher, nil, nil).Extract(context.Background(), "https://x.test/")
	require.NoError(t, err)
	require.Len(t, refs, 1)

	fetcher.page.Body = []byte{0x00, 0x01, 0x02, 0xff}
	_, err = NewPipeline(fetcher, nil, nil).Extract(context.Background(), "https://x.test/")
	var parseErr *media.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestPipelineToleratesMalformedContentType(t *testing.T) {
	t.Parallel()

	for _, ct := range []string{
		"text/html; charset",
		`text/html; charset="utf-8`,
		"text/html;;charset=utf-8",
		"html???",
	} {
		t.Run(ct, func(t *testing.T) {
			t.Parallel()

			fetcher := &stubFetcher{page: media.Page{
				StatusCode: http.StatusOK,
				Headers:    http.Header{"Content-Type": {ct}},
				Body:       []byte(`<html><body><img src="/a.png"></body></html>`),
			}}
			refs, err := NewPipeline(fetcher, nil, nil).Extract(context.Background(), "https://x.test/")
			require.NoError(t, err)
			require.Equal(t, []media.Reference{{Kind: media.KindImage, URL: "https://x.test/a.png"}}, refs)
		})
	}
}

func TestPipelineDecodesLegacyCharset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><meta charset=\"iso-8859-1\"></head>" +
			"<body><img src=\"/a.png\" alt=\"caf\xe9\"></body></html>"))
	}))
	defer srv.Close()

	pipeline := NewPipeline(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), nil, zap.NewNop())
	refs, err := pipeline.Extract(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "café", refs[0].AltText)
	require.True(t, utf8.ValidString(refs[0].AltText))
}

func TestPipelineWithoutFetcher(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(nil, nil, nil).Extract(context.Background(), "https://x.test/")
	require.Error(t, err)
}
