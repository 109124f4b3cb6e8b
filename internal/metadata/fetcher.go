// Package metadata fetches page metadata (title, category, source) for a URL.
package metadata

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

const (
	defaultTitle    = "Unknown"
	defaultTimeout  = 15 * time.Second
	defaultBodyCap  = 1 << 20 // 1 MiB is plenty for <head> metadata
	defaultAgent    = "linksin/1.0"
	jsonLDScriptTyp = "application/ld+json"
)

// Metadata holds the best-effort page metadata for a saved link.
type Metadata struct {
	Title    string
	Category string
	Source   string
}

// Fetcher retrieves page metadata for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) Metadata
}

// Options configures an HTTPFetcher. Zero values fall back to defaults.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	HTTPClient   *http.Client
}

// HTTPFetcher implements Fetcher over plain HTTP with an HTML parser.
// It never fails past its boundary: any network or parse error yields
// best-effort defaults so the save step can always proceed.
type HTTPFetcher struct {
	client    *http.Client
	bodyCap   int64
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher creates a metadata fetcher with the given options.
func NewHTTPFetcher(opts Options, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	bodyCap := opts.MaxBodyBytes
	if bodyCap <= 0 {
		bodyCap = defaultBodyCap
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultAgent
	}
	return &HTTPFetcher{
		client:    client,
		bodyCap:   bodyCap,
		userAgent: userAgent,
		logger:    logger.With("component", "metadata_fetcher"),
	}
}

// Fetch downloads the page and extracts title, category, and source.
// Title preference: og:title, then twitter:title, then the <title> tag.
// Category: a category meta tag, then a JSON-LD script block's category
// field. Source: a source meta tag, defaulting to the registrable domain.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) Metadata {
	meta := Metadata{
		Title:  defaultTitle,
		Source: RegistrableDomain(url),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to build metadata request", "url", url, "error", err)
		return meta
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.WarnContext(ctx, "Metadata fetch failed", "url", url, "error", err)
		return meta
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.WarnContext(ctx, "Error closing metadata response body", "url", url, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.logger.WarnContext(ctx, "Metadata fetch returned non-success status", "url", url, "status", resp.StatusCode)
		return meta
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, f.bodyCap))
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to parse page HTML", "url", url, "error", err)
		return meta
	}

	p := newPageScan(doc)
	if t := p.title(); t != "" {
		meta.Title = t
	}
	meta.Category = p.category()
	if s := p.source(); s != "" {
		meta.Source = s
	}
	return meta
}

// pageScan collects the tags relevant to metadata extraction in one walk.
type pageScan struct {
	titleTag     string
	ogTitle      string
	ogType       string
	twitterTitle string
	metaCategory string
	metaSource   string
	jsonLDBlocks []string
}

func newPageScan(doc *html.Node) *pageScan {
	p := &pageScan{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode && p.titleTag == "" {
					p.titleTag = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				p.scanMeta(n)
			case "script":
				if attrVal(n, "type") == jsonLDScriptTyp && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					p.jsonLDBlocks = append(p.jsonLDBlocks, n.FirstChild.Data)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return p
}

func (p *pageScan) scanMeta(n *html.Node) {
	content := attrVal(n, "content")
	if content == "" {
		return
	}
	switch strings.ToLower(attrVal(n, "property")) {
	case "og:title":
		p.ogTitle = content
	case "og:type":
		p.ogType = content
	}
	switch strings.ToLower(attrVal(n, "name")) {
	case "twitter:title":
		p.twitterTitle = content
	case "category":
		p.metaCategory = content
	case "source":
		p.metaSource = content
	}
}

func (p *pageScan) title() string {
	if p.ogTitle != "" {
		return p.ogTitle
	}
	if p.twitterTitle != "" {
		return p.twitterTitle
	}
	return p.titleTag
}

// category prefers the category meta tag, then the first JSON-LD block
// carrying a non-empty category field, then the page's og:type.
func (p *pageScan) category() string {
	if p.metaCategory != "" {
		return p.metaCategory
	}
	for _, block := range p.jsonLDBlocks {
		var data map[string]any
		if err := json.Unmarshal([]byte(block), &data); err != nil {
			continue
		}
		if cat, ok := data["category"].(string); ok && cat != "" {
			return cat
		}
	}
	return p.ogType
}

func (p *pageScan) source() string {
	return p.metaSource
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// RegistrableDomain returns the first label of the URL's registrable domain
// ("example" for https://blog.example.co.uk/x). IP-literal hosts are
// returned unchanged. Falls back to the raw host, and to the input itself
// when it does not parse as a URL.
func RegistrableDomain(rawURL string) string {
	u, err := neturl.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	// EffectiveTLDPlusOne mangles IP literals ("127.0.0.1" becomes "0.1")
	// instead of erroring, so they never reach it.
	if net.ParseIP(host) != nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	if idx := strings.Index(etld1, "."); idx > 0 {
		return etld1[:idx]
	}
	return etld1
}
