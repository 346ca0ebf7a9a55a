package orchestrator

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SameSiteLinks returns up to limit distinct same-host http(s) links found in html,
// normalized and excluding base itself, in document order.
func SameSiteLinks(base, html string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{normalizeURL(base): {}}
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		if !strings.EqualFold(abs.Hostname(), baseURL.Hostname()) {
			return true
		}
		norm := normalizeURL(abs.String())
		if _, dup := seen[norm]; dup {
			return true
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
		return len(out) < limit
	})
	return out
}

// normalizeURL drops the fragment, lowercases scheme and host and folds a trailing slash.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
