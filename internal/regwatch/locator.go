package regwatch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Locator finds the URL of the current register document.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// PageLocator scans an HTML page for the first link to an .ods document.
type PageLocator struct {
	pageURL string
	domain  string
	fetcher *Fetcher
}

// NewPageLocator fails only when pageURL has no usable scheme and host.
func NewPageLocator(pageURL string, f *Fetcher) (*PageLocator, error) {
	domain, err := Domain(pageURL)
	if err != nil {
		return nil, err
	}
	return &PageLocator{pageURL: pageURL, domain: domain, fetcher: f}, nil
}

// Domain returns scheme://host[:port] of raw.
func Domain(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidResourceURL, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w %q: scheme must be http or https", ErrInvalidResourceURL, raw)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w %q: missing host", ErrInvalidResourceURL, raw)
	}
	return scheme + "://" + u.Host, nil
}

// Locate fetches the page and returns the absolute document URL.
func (l *PageLocator) Locate(ctx context.Context) (string, error) {
	body, err := l.fetcher.Get(ctx, l.pageURL)
	if err != nil {
		return "", &StageError{Stage: StageLocate, URL: l.pageURL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", &StageError{Stage: StageLocate, URL: l.pageURL, Err: fmt.Errorf("parse page: %w", err)}
	}
	href := FindDocumentLink(doc)
	if href == "" {
		return "", &StageError{Stage: StageLocate, URL: l.pageURL, Err: ErrLinkNotFound}
	}
	return l.resolve(href), nil
}

// FindDocumentLink returns the href of the first anchor pointing at an .ods
// file. Pages that only label the link, e.g. "Websiteregister (ods, 1 MB)",
// are matched on the anchor text as a fallback.
func FindDocumentLink(doc *goquery.Document) string {
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h := strings.TrimSpace(a.AttrOr("href", ""))
		if strings.Contains(strings.ToLower(h), ".ods") {
			href = h
			return false
		}
		return true
	})
	if href != "" {
		return href
	}
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(a.Text()), "(ods,") {
			href = strings.TrimSpace(a.AttrOr("href", ""))
			return href == ""
		}
		return true
	})
	return href
}

func (l *PageLocator) resolve(href string) string {
	lower := strings.ToLower(href)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return href
	case strings.HasPrefix(href, "//"):
		scheme, _, _ := strings.Cut(l.domain, "://")
		return scheme + ":" + href
	case strings.HasPrefix(href, "/"):
		return l.domain + href
	default:
		return l.domain + "/" + href
	}
}
