package loader

import (
	"context"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// URLConfig controls fetching.
type URLConfig struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

// URLLoader fetches http(s) URLs. HTML is reduced to plain text with one
// block element per line; other text types are returned as is.
type URLLoader struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	policy    *bluemonday.Policy
}

// NewURLLoader creates a URL loader.
func NewURLLoader(cfg URLConfig) *URLLoader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "spirit-memory/1.0"
	}
	return &URLLoader{
		client:    &http.Client{Timeout: cfg.Timeout},
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		policy:    bluemonday.StrictPolicy(),
	}
}

// Load fetches req.SourceRef.
func (u *URLLoader) Load(ctx context.Context, req Request) (*Content, error) {
	parsed, err := url.Parse(strings.TrimSpace(req.SourceRef))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidRef, req.SourceRef)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", u.userAgent)
	httpReq.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.1")

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", parsed.Redacted(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %d", ErrSourceNotFound, parsed.Redacted(), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: status %d", parsed.Redacted(), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", parsed.Redacted(), err)
	}
	if int64(len(body)) > u.maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", parsed.Redacted(), u.maxBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		title, text := u.htmlToText(string(body))
		if title == "" {
			title = parsed.String()
		}
		return &Content{Text: text, Title: title}, nil
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" || mediaType == "":
		return &Content{Text: strings.ReplaceAll(string(body), "\r\n", "\n"), Title: parsed.String()}, nil
	default:
		return nil, fmt.Errorf("%w: %s has unsupported content type %q", ErrInvalidRef, parsed.Redacted(), mediaType)
	}
}

var (
	dropElementRe = regexp.MustCompile(`(?is)<(script|style|noscript|template|svg|head)\b.*?</(script|style|noscript|template|svg|head)\s*>`)
	titleRe       = regexp.MustCompile(`(?is)<title\b[^>]*>(.*?)</title\s*>`)
	blockTagRe    = regexp.MustCompile(`(?i)<((p|div|section|article|header|footer|li|ul|ol|tr|table|blockquote|pre|h[1-6])\b[^>]*|br\s*/?)>`)
	spaceRunRe    = regexp.MustCompile(`[ \t\f\v]+`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// htmlToText returns the page title and its visible text. Each opening
// block tag starts a new line before the sanitizer strips every tag.
func (u *URLLoader) htmlToText(doc string) (string, string) {
	var title string
	if m := titleRe.FindStringSubmatch(doc); m != nil {
		title = strings.TrimSpace(html.UnescapeString(u.policy.Sanitize(m[1])))
	}

	doc = dropElementRe.ReplaceAllString(doc, "")
	doc = blockTagRe.ReplaceAllString(doc, "\n<$1>")
	text := html.UnescapeString(u.policy.Sanitize(doc))

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(l, " "))
	}
	text = blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return title, strings.TrimSpace(text)
}
