package forms

import (
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

var kindHints = []struct {
	kind  qa.FieldKind
	words []string
}{
	{qa.FieldEmail, []string{"email", "e-mail"}},
	{qa.FieldPhone, []string{"phone", "tel", "mobile"}},
	{qa.FieldCompany, []string{"company", "organization", "organisation", "business"}},
	{qa.FieldMessage, []string{"message", "comment", "inquiry", "enquiry", "question"}},
	{qa.FieldName, []string{"name"}},
}

// Classify assigns a semantic kind from the field's type, name, id, placeholder and label.
// Fields keyed in custom by name or id are FieldCustom.
func Classify(f qa.FormField, custom map[string]string) qa.FieldKind {
	if _, ok := customValue(f, custom); ok {
		return qa.FieldCustom
	}
	switch f.Type {
	case "email":
		return qa.FieldEmail
	case "tel":
		return qa.FieldPhone
	}
	hints := strings.ToLower(strings.Join([]string{f.Name, f.ID, f.Placeholder, f.Label}, " "))
	for _, h := range kindHints {
		for _, w := range h.words {
			if strings.Contains(hints, w) {
				return h.kind
			}
		}
	}
	if f.Tag == "textarea" {
		return qa.FieldMessage
	}
	return qa.FieldUnknown
}

func customValue(f qa.FormField, custom map[string]string) (string, bool) {
	for _, key := range []string{f.Name, f.ID} {
		if key == "" {
			continue
		}
		if v, ok := custom[key]; ok {
			return v, true
		}
	}
	return "", false
}

// ValueFor picks what to type into f: an operator value when one applies, otherwise a
// synthesized value. The second result is false when the field should be left alone.
func ValueFor(f qa.FormField, values qa.FormValues) (string, bool) {
	if v, ok := customValue(f, values.Custom); ok {
		return v, true
	}
	if f.Tag == "select" {
		return "", false
	}
	switch f.Type {
	case "checkbox", "radio", "range", "color":
		return "", false
	}
	pick := func(operator, synthesized string) (string, bool) {
		if operator != "" {
			return operator, true
		}
		return synthesized, true
	}
	switch Classify(f, nil) {
	case qa.FieldEmail:
		return pick(values.Email, "qa+"+uuid.NewString()[:8]+"@example.com")
	case qa.FieldPhone:
		return pick(values.Phone, "+15555550123")
	case qa.FieldName:
		return pick(values.Name, "QA Scanner")
	case qa.FieldCompany:
		return pick(values.Company, "QA Scanner Test")
	case qa.FieldMessage:
		return pick(values.Message, "Automated QA test submission. Please ignore.")
	}
	switch f.Type {
	case "number":
		return "1", true
	case "url":
		return "https://example.com", true
	case "date":
		return "2025-01-01", true
	}
	return "test", true
}
