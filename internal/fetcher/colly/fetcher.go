// Package collyfetcher implements media.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/mediascrape/internal/media"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultUserAgent   = "MediaScraper/1.0"
	defaultMaxBodySize = 10 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// Transport overrides the pooled default transport (tests point it at httptest).
	Transport http.RoundTripper
}

// Fetcher implements media.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Backend settings (transport, timeout) live on the
// shared base collector; clones only add per-request callbacks.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = true
	// Retries revisit the same URL; the visited store is shared across clones.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Transport failures and
// non-2xx responses are returned as *media.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (media.Page, error) {
	var (
		result   media.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	page, err := f.runCollector(ctx, collector, url, &result, &fetchErr)
	if err != nil {
		return media.Page{}, &media.FetchError{URL: url, StatusCode: page.StatusCode, Err: err}
	}
	if page.StatusCode < http.StatusOK || page.StatusCode >= http.StatusMultipleChoices {
		return media.Page{}, &media.FetchError{URL: url, StatusCode: page.StatusCode}
	}
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *media.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = media.Page{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        toUTF8(r.Body, headers),
			Duration:    time.Since(start),
			RequestedAt: start,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector only reads result once Visit has returned; on cancellation the
// visit goroutine still owns it.
func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	result *media.Page,
	fetchErr *error,
) (media.Page, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return media.Page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		page := *result
		if *fetchErr != nil {
			return page, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return page, fmt.Errorf("colly visit failed: %w", err)
		}
		return page, nil
	}
}

// toUTF8 decodes text bodies whose charset is only declared in the document
// (BOM or <meta>) or not declared at all. Colly already converts bodies whose
// Content-Type names a charset.
func toUTF8(body []byte, headers http.Header) []byte {
	out := append([]byte(nil), body...)
	ct := headers.Get("Content-Type")
	if len(out) == 0 || strings.Contains(strings.ToLower(ct), "charset") {
		return out
	}
	sniffed := ct
	if sniffed == "" {
		sniffed = http.DetectContentType(out)
	}
	if !strings.HasPrefix(sniffed, "text/") && !strings.Contains(sniffed, "xml") {
		return out
	}
	enc, name, certain := charset.DetermineEncoding(out, ct)
	// An uncertain guess never overrides a body that is already valid UTF-8.
	if name == "utf-8" || (!certain && utf8.Valid(out)) {
		return out
	}
	decoded, err := enc.NewDecoder().Bytes(out)
	if err != nil {
		return out
	}
	return decoded
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
