package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/mediascrape/internal/media"
)

const defaultMinSourceLength = 5

// DefaultVideoPatterns are the iframe src substrings treated as video embeds.
var DefaultVideoPatterns = []string{"youtube.com", "vimeo.com", "player"}

// ParserConfig tunes reference filtering.
type ParserConfig struct {
	VideoPatterns   []string
	MinSourceLength int
}

// Parser scans HTML documents for media references.
type Parser struct {
	videoPatterns []string
	minLength     int
}

// NewParser constructs a Parser, applying defaults for zero values.
func NewParser(cfg ParserConfig) *Parser {
	patterns := make([]string, 0, len(cfg.VideoPatterns))
	for _, p := range cfg.VideoPatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		patterns = append(patterns, DefaultVideoPatterns...)
	}
	minLength := cfg.MinSourceLength
	if minLength <= 0 {
		minLength = defaultMinSourceLength
	}
	return &Parser{videoPatterns: patterns, minLength: minLength}
}

// Parse extracts references from body, resolving relative sources against pageURL.
// Malformed markup is tolerated; an error is only returned when the document
// cannot be read at all.
func (p *Parser) Parse(pageURL string, body []byte) ([]media.Reference, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &media.ParseError{URL: pageURL, Err: err}
	}
	base, baseErr := url.Parse(pageURL)
	if baseErr != nil {
		base = nil
	}

	var refs []media.Reference
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := attr(s, "src")
		if src == "" {
			src = attr(s, "data-src")
		}
		if !p.validSource(src) {
			return
		}
		refs = append(refs, media.Reference{
			Kind:    media.KindImage,
			URL:     resolve(base, src),
			AltText: validText(strings.TrimSpace(s.AttrOr("alt", ""))),
		})
	})

	doc.Find("video, video source").Each(func(_ int, s *goquery.Selection) {
		src := attr(s, "src")
		if !p.validSource(src) {
			return
		}
		refs = append(refs, media.Reference{Kind: media.KindVideo, URL: resolve(base, src)})
	})

	doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		src := attr(s, "src")
		if !p.validSource(src) || !p.looksLikePlayer(src) {
			return
		}
		refs = append(refs, media.Reference{Kind: media.KindVideo, URL: resolve(base, src)})
	})
	return refs, nil
}

// validSource rejects empty values, data URIs and values too short to be a URL.
func (p *Parser) validSource(src string) bool {
	if src == "" || len(src) < p.minLength {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(src), "data:")
}

// looksLikePlayer is a plain case-sensitive substring match, so any src
// containing "player" anywhere qualifies.
func (p *Parser) looksLikePlayer(src string) bool {
	for _, pattern := range p.videoPatterns {
		if strings.Contains(src, pattern) {
			return true
		}
	}
	return false
}

func attr(s *goquery.Selection, name string) string {
	return strings.TrimSpace(s.AttrOr(name, ""))
}

// resolve returns src as an absolute URL, or src unchanged when it cannot be parsed.
func resolve(base *url.URL, src string) string {
	if base == nil {
		return validText(src)
	}
	ref, err := url.Parse(src)
	if err != nil {
		return validText(src)
	}
	return base.ResolveReference(ref).String()
}

// validText replaces bytes left over from an undecoded legacy charset. Stores
// reject invalid UTF-8 and would fail the whole batch.
func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
