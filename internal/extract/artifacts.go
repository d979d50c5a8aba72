// Package extract reads results out of a rendered page: artifact links and
// application error messages.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// linkSelector matches every element that can carry a navigable target.
const linkSelector = "a[href], area[href], [data-href]"

// ArtifactExtractor finds links to produced artifacts under a fixed prefix.
type ArtifactExtractor struct {
	prefix string
	logger *zap.Logger
}

// NewArtifactExtractor creates an extractor for links starting with prefix.
func NewArtifactExtractor(prefix string, logger *zap.Logger) *ArtifactExtractor {
	return &ArtifactExtractor{prefix: prefix, logger: logger.Named("artifacts")}
}

// Prefix returns the artifact URI prefix.
func (e *ArtifactExtractor) Prefix() string { return e.prefix }

// Extract returns the matching artifact URIs of documentHTML, deduplicated in
// first-seen order. baseURL resolves relative targets and may be empty.
func (e *ArtifactExtractor) Extract(documentHTML, baseURL string) ([]string, error) {
	uris, err := ExtractArtifacts(documentHTML, baseURL, e.prefix)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Artifact links extracted.", zap.Int("count", len(uris)), zap.String("prefix", e.prefix))
	return uris, nil
}

// ExtractArtifacts is the stateless form of ArtifactExtractor.Extract. The
// result is never nil; an empty slice means extraction ran and found nothing.
func ExtractArtifacts(documentHTML, baseURL, prefix string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(documentHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document for artifact extraction: %w", err)
	}

	var base *url.URL
	if baseURL != "" {
		if base, err = url.Parse(baseURL); err != nil {
			base = nil
		}
	}

	uris := make([]string, 0)
	seen := make(map[string]bool)

	doc.Find(linkSelector).Each(func(_ int, s *goquery.Selection) {
		target, ok := s.Attr("href")
		if !ok {
			target, ok = s.Attr("data-href")
		}
		if !ok {
			return
		}
		resolved := resolve(strings.TrimSpace(target), base)
		if resolved == "" || !strings.HasPrefix(resolved, prefix) || seen[resolved] {
			return
		}
		seen[resolved] = true
		uris = append(uris, resolved)
	})

	return uris, nil
}

// resolve returns href as written when it is absolute and resolves it
// against base otherwise.
func resolve(href string, base *url.URL) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || u.IsAbs() || base == nil {
		return href
	}
	return base.ResolveReference(u).String()
}
