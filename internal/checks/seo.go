package checks

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// SEO length bounds, in characters.
const (
	titleMinLen           = 30
	titleMaxLen           = 60
	metaDescriptionMinLen = 50
	metaDescriptionMaxLen = 160
)

// SEO checks headings, title, meta description and the usual head tags.
type SEO struct{}

// NewSEO returns the SEO checker.
func NewSEO() *SEO { return &SEO{} }

// Kind implements Checker.
func (*SEO) Kind() qa.CheckKind { return qa.CheckSEO }

// Check implements Checker.
func (*SEO) Check(ctx context.Context, page qa.Page) (qa.CheckResult, error) {
	doc, err := document(ctx, page)
	if err != nil {
		return qa.CheckResult{}, err
	}
	var issues []qa.Issue

	h1 := doc.Find("h1")
	switch n := h1.Length(); {
	case n == 0:
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityCritical,
			Category:    "missing_h1",
			Title:       "Page has no H1 heading",
			Description: "Every page needs exactly one <h1> describing its content.",
			Suggestion:  "Add a single <h1> with the page's primary topic.",
		})
	case n > 1:
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityMedium,
			Category:    "multiple_h1",
			Title:       "Page has multiple H1 headings",
			Description: fmt.Sprintf("Found %d <h1> elements.", n),
			Suggestion:  "Keep one <h1> and demote the rest to <h2>.",
		})
	}

	title := strings.TrimSpace(doc.Find("head title").First().Text())
	titleLen := utf8.RuneCountInString(title)
	switch {
	case title == "":
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityHigh,
			Category:    "missing_title",
			Title:       "Page has no title",
			Description: "The <title> element is missing or empty.",
			Suggestion:  "Add a descriptive <title> between 30 and 60 characters.",
		})
	case titleLen < titleMinLen || titleLen > titleMaxLen:
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityMedium,
			Category:    "title_length",
			Title:       "Title length is outside the recommended range",
			Description: fmt.Sprintf("Title is %d characters; aim for %d-%d.", titleLen, titleMinLen, titleMaxLen),
			Element:     "title",
		})
	}

	desc, hasDesc := doc.Find(`meta[name="description"]`).First().Attr("content")
	desc = strings.TrimSpace(desc)
	descLen := utf8.RuneCountInString(desc)
	switch {
	case !hasDesc || desc == "":
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityHigh,
			Category:    "missing_meta_description",
			Title:       "Page has no meta description",
			Description: "Search engines fall back to arbitrary page text without a meta description.",
			Suggestion:  `Add <meta name="description" content="..."> with 50-160 characters.`,
		})
	case descLen > metaDescriptionMaxLen:
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityMedium,
			Category:    "meta_description_too_long",
			Title:       "Meta description is too long",
			Description: fmt.Sprintf("Meta description is %d characters; it will be truncated after %d.", descLen, metaDescriptionMaxLen),
			Element:     `meta[name="description"]`,
		})
	case descLen < metaDescriptionMinLen:
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityLow,
			Category:    "meta_description_too_short",
			Title:       "Meta description is short",
			Description: fmt.Sprintf("Meta description is %d characters; aim for at least %d.", descLen, metaDescriptionMinLen),
			Element:     `meta[name="description"]`,
		})
	}

	canonical, _ := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if strings.TrimSpace(canonical) == "" {
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityLow,
			Category:    "missing_canonical",
			Title:       "No canonical link",
			Description: "Without a canonical URL duplicate variants of this page compete in search results.",
			Suggestion:  `Add <link rel="canonical" href="...">.`,
		})
	}

	lang, _ := doc.Find("html").First().Attr("lang")
	if strings.TrimSpace(lang) == "" {
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityLow,
			Category:    "missing_lang",
			Title:       "Document language is not declared",
			Description: "The <html> element has no lang attribute.",
			Element:     "html",
		})
	}

	if doc.Find(`meta[name="viewport"]`).Length() == 0 {
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityLow,
			Category:    "missing_viewport",
			Title:       "No viewport meta tag",
			Description: "Mobile browsers render the page at desktop width.",
			Suggestion:  `Add <meta name="viewport" content="width=device-width, initial-scale=1">.`,
		})
	}

	return qa.CheckResult{
		Issues:   issues,
		Metadata: qa.CheckMetadata{ElementsChecked: h1.Length() + 5},
		Details: map[string]any{
			"title":            title,
			"meta_description": desc,
			"h1_count":         h1.Length(),
			"canonical":        canonical,
			"lang":             lang,
		},
	}, nil
}

// document parses the page's current DOM.
func document(ctx context.Context, page qa.Page) (*goquery.Document, error) {
	html, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page content: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page content: %w", err)
	}
	return doc, nil
}
