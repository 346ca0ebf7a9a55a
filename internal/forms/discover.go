// Package forms discovers forms on a rendered page and runs a battery of tests against them.
package forms

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// Attributes stamped onto the live DOM so selectors stay stable across reloads.
const (
	formAttr   = "data-qa-form"
	fieldAttr  = "data-qa-field"
	submitAttr = "data-qa-submit"
)

// tagScript stamps every form, its fillable fields and its submit control with index attributes.
const tagScript = `(() => {
  const forms = Array.from(document.querySelectorAll('form'));
  forms.forEach((form, i) => {
    form.setAttribute('data-qa-form', String(i));
    Array.from(form.querySelectorAll('input, select, textarea')).forEach((el, j) => {
      el.setAttribute('data-qa-field', i + '.' + j);
    });
    const submit = form.querySelector('button[type="submit"], input[type="submit"], button:not([type])');
    if (submit) submit.setAttribute('data-qa-submit', String(i));
  });
  return forms.length;
})()`

// DiscoverPage tags the page's forms in place and returns their descriptors.
func DiscoverPage(ctx context.Context, page qa.Page) ([]qa.FormDescriptor, error) {
	var count int
	if err := page.Evaluate(ctx, tagScript, &count); err != nil {
		return nil, fmt.Errorf("tag forms: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	html, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tagged content: %w", err)
	}
	return Discover(html)
}

// Discover parses forms out of html. Tagged forms keep their data-qa indexes; untagged
// markup is indexed by document position.
func Discover(html string) ([]qa.FormDescriptor, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var forms []qa.FormDescriptor
	doc.Find("form").Each(func(pos int, form *goquery.Selection) {
		index := pos
		if raw, ok := form.Attr(formAttr); ok {
			if n, err := strconv.Atoi(raw); err == nil {
				index = n
			}
		}
		desc := qa.FormDescriptor{
			Index:    index,
			Selector: fmt.Sprintf(`form[%s="%d"]`, formAttr, index),
			ID:       attr(form, "id"),
			Name:     attr(form, "name"),
			Action:   attr(form, "action"),
			Method:   strings.ToUpper(attr(form, "method")),
		}
		if desc.Method == "" {
			desc.Method = "GET"
		}
		if _, ok := form.Attr(formAttr); !ok {
			desc.Selector = fmt.Sprintf("form:nth-of-type(%d)", pos+1)
		}

		form.Find("input, select, textarea").Each(func(j int, el *goquery.Selection) {
			tag := goquery.NodeName(el)
			typ := strings.ToLower(attr(el, "type"))
			if typ == "" {
				typ = tag
				if tag == "input" {
					typ = "text"
				}
			}
			if skipType(typ) {
				return
			}
			_, required := el.Attr("required")
			if v := attr(el, "aria-required"); v == "true" {
				required = true
			}
			field := qa.FormField{
				Name:        attr(el, "name"),
				ID:          attr(el, "id"),
				Type:        typ,
				Tag:         tag,
				Placeholder: attr(el, "placeholder"),
				Label:       labelFor(doc, el),
				Pattern:     attr(el, "pattern"),
				Required:    required,
				Selector:    fieldSelector(desc.Selector, el, j),
			}
			field.Kind = Classify(field, nil)
			desc.Fields = append(desc.Fields, field)
		})

		submit := form.Find(`button[type="submit"], input[type="submit"], button:not([type])`).First()
		if submit.Length() > 0 {
			if v, ok := submit.Attr(submitAttr); ok {
				desc.SubmitSelector = fmt.Sprintf(`[%s="%s"]`, submitAttr, v)
			} else {
				desc.SubmitSelector = desc.Selector + ` [type="submit"], ` + desc.Selector + ` button:not([type])`
			}
		}
		forms = append(forms, desc)
	})
	return forms, nil
}

func skipType(typ string) bool {
	switch typ {
	case "hidden", "submit", "button", "image", "reset", "file":
		return true
	}
	return false
}

func fieldSelector(formSelector string, el *goquery.Selection, pos int) string {
	if v, ok := el.Attr(fieldAttr); ok {
		return fmt.Sprintf(`[%s="%s"]`, fieldAttr, v)
	}
	if id := attr(el, "id"); id != "" {
		return fmt.Sprintf(`%s [id="%s"]`, formSelector, id)
	}
	if name := attr(el, "name"); name != "" {
		return fmt.Sprintf(`%s [name="%s"]`, formSelector, name)
	}
	return fmt.Sprintf("%s :is(input, select, textarea):nth-of-type(%d)", formSelector, pos+1)
}

func labelFor(doc *goquery.Document, el *goquery.Selection) string {
	if v := attr(el, "aria-label"); v != "" {
		return v
	}
	if id := attr(el, "id"); id != "" {
		label := ""
		doc.Find("label[for]").EachWithBreak(func(_ int, l *goquery.Selection) bool {
			if attr(l, "for") == id {
				label = strings.TrimSpace(l.Text())
				return false
			}
			return true
		})
		if label != "" {
			return label
		}
	}
	if wrap := el.ParentsFiltered("label").First(); wrap.Length() > 0 {
		return strings.TrimSpace(wrap.Text())
	}
	return ""
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}
