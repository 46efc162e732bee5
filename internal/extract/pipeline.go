package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
)

// errNotText is wrapped in a ParseError when the response is binary.
var errNotText = errors.New("response is not a text document")

// Pipeline fetches one URL and extracts its media references.
type Pipeline struct {
	fetcher media.Fetcher
	parser  *Parser
	logger  *zap.Logger
}

// NewPipeline wires a fetcher and parser together.
func NewPipeline(fetcher media.Fetcher, parser *Parser, logger *zap.Logger) *Pipeline {
	if parser == nil {
		parser = NewParser(ParserConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{fetcher: fetcher, parser: parser, logger: logger}
}

// Extract performs a single GET of rawURL and returns the references found,
// resolved against rawURL.
func (p *Pipeline) Extract(ctx context.Context, rawURL string) ([]media.Reference, error) {
	if p.fetcher == nil {
		return nil, fmt.Errorf("extract %s: no fetcher configured", rawURL)
	}
	page, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if !isText(page) {
		return nil, &media.ParseError{URL: rawURL, Err: fmt.Errorf("%w: %s", errNotText, contentType(page))}
	}
	refs, err := p.parser.Parse(rawURL, page.Body)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("page extracted",
		zap.String("url", rawURL),
		zap.String("final_url", page.URL),
		zap.Int("references", len(refs)),
		zap.Duration("fetch_duration", page.Duration),
	)
	return refs, nil
}

func contentType(page media.Page) string {
	if ct := page.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return http.DetectContentType(page.Body)
}

// isText keeps the media type of a header whose parameters are malformed, and
// sniffs the body when the type itself cannot be parsed.
func isText(page media.Page) bool {
	mediaType, _, err := mime.ParseMediaType(contentType(page))
	if err != nil && !errors.Is(err, mime.ErrInvalidMediaParameter) {
		mediaType, _, err = mime.ParseMediaType(http.DetectContentType(page.Body))
		if err != nil {
			return false
		}
	}
	return strings.HasPrefix(mediaType, "text/") ||
		strings.HasSuffix(mediaType, "+xml") ||
		strings.HasSuffix(mediaType, "/xml") ||
		mediaType == "application/xhtml+xml"
}
