package checks

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// contrastScript samples visible text elements with their computed colors. The effective
// background is the first non-transparent ancestor background.
const contrastScript = `(() => {
  const out = [];
  const bgOf = (el) => {
    for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
      const bg = getComputedStyle(n).backgroundColor;
      if (bg && bg !== 'transparent' && !/rgba\(.*,\s*0\)$/.test(bg)) return bg;
    }
    return 'rgb(255, 255, 255)';
  };
  const path = (el) => {
    if (el.id) return '#' + el.id;
    const parts = [];
    for (let n = el; n && n.nodeType === 1 && parts.length < 4; n = n.parentElement) {
      let part = n.tagName.toLowerCase();
      if (n.parentElement) {
        const idx = Array.prototype.indexOf.call(n.parentElement.children, n) + 1;
        part += ':nth-child(' + idx + ')';
      }
      parts.unshift(part);
    }
    return parts.join(' > ');
  };
  for (const el of document.body ? document.body.querySelectorAll('*') : []) {
    if (out.length >= %d) break;
    const text = Array.from(el.childNodes)
      .filter((n) => n.nodeType === 3)
      .map((n) => n.textContent.trim())
      .join(' ')
      .trim();
    if (!text) continue;
    const style = getComputedStyle(el);
    if (style.visibility === 'hidden' || style.display === 'none') continue;
    out.push({
      selector: path(el),
      text: text.slice(0, 60),
      color: style.color,
      background: bgOf(el),
      font_size: parseFloat(style.fontSize) || 16,
      font_weight: parseInt(style.fontWeight, 10) || 400,
    });
  }
  return out;
})()`

type textSample struct {
	Selector   string  `json:"selector"`
	Text       string  `json:"text"`
	Color      string  `json:"color"`
	Background string  `json:"background"`
	FontSize   float64 `json:"font_size"`
	FontWeight int     `json:"font_weight"`
}

// AccessibilityConfig tunes the accessibility checker.
type AccessibilityConfig struct {
	Level WCAGLevel
	// MaxContrastSamples caps how many text elements are measured.
	MaxContrastSamples int
}

// Accessibility looks for common WCAG failures.
type Accessibility struct {
	cfg AccessibilityConfig
}

// NewAccessibility builds the accessibility checker.
func NewAccessibility(cfg AccessibilityConfig) *Accessibility {
	if cfg.Level == "" {
		cfg.Level = WCAGAA
	}
	if cfg.MaxContrastSamples <= 0 {
		cfg.MaxContrastSamples = 200
	}
	return &Accessibility{cfg: cfg}
}

// Kind implements Checker.
func (*Accessibility) Kind() qa.CheckKind { return qa.CheckAccessibility }

// Check implements Checker.
func (a *Accessibility) Check(ctx context.Context, page qa.Page) (qa.CheckResult, error) {
	doc, err := document(ctx, page)
	if err != nil {
		return qa.CheckResult{}, err
	}
	var issues []qa.Issue
	checked := 0

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		checked++
		if _, ok := img.Attr("alt"); ok {
			return
		}
		if role, _ := img.Attr("role"); role == "presentation" || role == "none" {
			return
		}
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityHigh,
			Category:    "missing_alt",
			Title:       "Image without alt text",
			Description: "Screen readers cannot describe this image.",
			Element:     describe(img),
			Suggestion:  `Add alt text, or alt="" for decorative images.`,
		})
	})

	doc.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		if t, _ := field.Attr("type"); isUnlabelledType(t) {
			return
		}
		checked++
		if hasLabel(doc, field) {
			return
		}
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityMedium,
			Category:    "unlabeled_input",
			Title:       "Form field without a label",
			Description: "Assistive technology cannot announce what this field is for.",
			Element:     describe(field),
			Suggestion:  "Associate a <label for> or set aria-label.",
		})
	})

	checked++
	if lang, _ := doc.Find("html").First().Attr("lang"); strings.TrimSpace(lang) == "" {
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityMedium,
			Category:    "missing_lang",
			Title:       "Document language is not declared",
			Description: "Screen readers pick the wrong pronunciation without <html lang>.",
			Element:     "html",
		})
	}

	doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		checked++
		if accessibleName(link) != "" {
			return
		}
		issues = append(issues, qa.Issue{
			Severity:    qa.SeverityMedium,
			Category:    "empty_link_text",
			Title:       "Link without accessible text",
			Description: "The link has no text, aria-label, title or image alt.",
			Element:     describe(link),
		})
	})

	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, h *goquery.Selection) {
		checked++
		level := int(goquery.NodeName(h)[1] - '0')
		if prev > 0 && level > prev+1 {
			issues = append(issues, qa.Issue{
				Severity:    qa.SeverityLow,
				Category:    "heading_skip",
				Title:       "Heading level skipped",
				Description: fmt.Sprintf("<h%d> follows <h%d>.", level, prev),
				Element:     describe(h),
			})
		}
		prev = level
	})

	contrastIssues, sampled, err := a.checkContrast(ctx, page)
	if err != nil {
		return qa.CheckResult{}, err
	}
	issues = append(issues, contrastIssues...)
	checked += sampled

	return qa.CheckResult{
		Issues:   issues,
		Metadata: qa.CheckMetadata{ElementsChecked: checked},
		Details: map[string]any{
			"wcag_level":       string(a.cfg.Level),
			"contrast_samples": sampled,
		},
	}, nil
}

func (a *Accessibility) checkContrast(ctx context.Context, page qa.Page) ([]qa.Issue, int, error) {
	var samples []textSample
	script := fmt.Sprintf(contrastScript, a.cfg.MaxContrastSamples)
	if err := page.Evaluate(ctx, script, &samples); err != nil {
		return nil, 0, fmt.Errorf("sample text colors: %w", err)
	}
	var issues []qa.Issue
	for _, s := range samples {
		fg, err := parseCSSColor(s.Color)
		if err != nil {
			continue
		}
		bg, err := parseCSSColor(s.Background)
		if err != nil {
			continue
		}
		base := bg.over(white)
		ratio := contrastRatio(fg.over(base), base)
		need := requiredContrast(a.cfg.Level, isLargeText(s.FontSize, s.FontWeight))
		if ratio >= need {
			continue
		}
		issues = append(issues, qa.Issue{
			Severity: qa.SeverityHigh,
			Category: "low_contrast",
			Title:    "Insufficient color contrast",
			Description: fmt.Sprintf("Text %q has contrast %.2f:1; WCAG %s requires %.1f:1.",
				s.Text, ratio, a.cfg.Level, need),
			Element:    s.Selector,
			Suggestion: "Darken the text or lighten the background.",
		})
	}
	return issues, len(samples), nil
}

func isUnlabelledType(t string) bool {
	switch strings.ToLower(t) {
	case "hidden", "submit", "button", "image", "reset":
		return true
	}
	return false
}

func hasLabel(doc *goquery.Document, field *goquery.Selection) bool {
	for _, attr := range []string{"aria-label", "aria-labelledby", "title"} {
		if v, _ := field.Attr(attr); strings.TrimSpace(v) != "" {
			return true
		}
	}
	if id, _ := field.Attr("id"); id != "" {
		found := false
		doc.Find("label[for]").EachWithBreak(func(_ int, l *goquery.Selection) bool {
			if f, _ := l.Attr("for"); f == id {
				found = true
			}
			return !found
		})
		if found {
			return true
		}
	}
	return field.ParentsFiltered("label").Length() > 0
}

func accessibleName(link *goquery.Selection) string {
	if text := strings.TrimSpace(link.Text()); text != "" {
		return text
	}
	for _, attr := range []string{"aria-label", "title"} {
		if v, _ := link.Attr(attr); strings.TrimSpace(v) != "" {
			return v
		}
	}
	name := ""
	link.Find("img[alt]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		alt, _ := img.Attr("alt")
		name = strings.TrimSpace(alt)
		return name == ""
	})
	return name
}

// describe renders a short locator for an element.
func describe(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	if id, _ := s.Attr("id"); id != "" {
		return tag + "#" + id
	}
	for _, attr := range []string{"name", "src", "href"} {
		if v, _ := s.Attr(attr); v != "" {
			if len(v) > 80 {
				v = v[:80]
			}
			return tag + "[" + attr + "=" + strconv.Quote(v) + "]"
		}
	}
	return tag
}
