package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// DefaultMaxDocumentBytes bounds a single document read.
const DefaultMaxDocumentBytes = 32 << 20

// DocumentLoader reads documents under a root directory. References have the
// form "collection:path:name" and resolve to root/collection/path/name; the
// path part may be empty and may contain slashes. References that would
// escape the root are rejected.
type DocumentLoader struct {
	root     string
	maxBytes int64
}

// NewDocumentLoader creates a loader rooted at root.
func NewDocumentLoader(root string) *DocumentLoader {
	return &DocumentLoader{root: root, maxBytes: DefaultMaxDocumentBytes}
}

// Resolve maps a reference to a file path inside the root.
func (d *DocumentLoader) Resolve(ref string) (string, error) {
	parts := strings.SplitN(ref, ":", 3)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: document ref %q must be collection:path:name", ErrInvalidRef, ref)
	}
	for _, p := range parts {
		if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
			return "", fmt.Errorf("%w: document ref %q has an absolute component", ErrInvalidRef, ref)
		}
	}

	root, err := filepath.Abs(d.root)
	if err != nil {
		return "", fmt.Errorf("resolve documents root: %w", err)
	}
	full := filepath.Join(root, parts[0], filepath.FromSlash(parts[1]), parts[2])
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: document ref %q escapes the documents root", ErrInvalidRef, ref)
	}
	return full, nil
}

// Load reads the document. Markdown frontmatter is removed from the text and
// its tags, plus inline #tags, are returned as Content.Tags. Wiki links are
// rendered as plain text.
func (d *DocumentLoader) Load(_ context.Context, req Request) (*Content, error) {
	path, err := d.Resolve(req.SourceRef)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: document %s", ErrSourceNotFound, req.SourceRef)
	}
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceNotFound, req.SourceRef)
	}
	if info.Size() > d.maxBytes {
		return nil, fmt.Errorf("document %s is %d bytes, limit is %d", req.SourceRef, info.Size(), d.maxBytes)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: document %s is not UTF-8 text", ErrInvalidRef, req.SourceRef)
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")

	if !isMarkdown(path) {
		return &Content{Text: text, Title: filepath.Base(path)}, nil
	}

	fm, body, err := splitFrontmatter(text)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", req.SourceRef, err)
	}
	body = stripWikiLinks(strings.TrimLeft(body, "\n"))

	title := extractString(fm, "title")
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &Content{
		Text:  body,
		Title: title,
		Tags:  mergeTags(extractTags(fm), extractInlineTags(body)),
	}, nil
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return true
	}
	return false
}
