// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

// placeholderPattern matches both the bare {{ name }} token and the @{{ name }}
// form inserted by the editor's drag-and-drop. Names are any text without
// braces, since CSV headers may hold spaces and non-ASCII letters.
var placeholderPattern = regexp.MustCompile(`@?\{\{\s*([^{}]*?)\s*\}\}`)

// ExtractVariables returns the unique variable names referenced by tmpl,
// in order of first appearance.
func ExtractVariables(tmpl string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		name := m[1]
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// RenderTemplate substitutes every placeholder in one pass. Names missing
// from data render as an empty string so template syntax never reaches a
// mailbox. Lookup falls back to the lowercased name because CSV headers are
// normalized to lowercase.
func RenderTemplate(tmpl string, data map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if v, ok := data[name]; ok {
			return v
		}
		if v, ok := data[strings.ToLower(name)]; ok {
			return v
		}
		return ""
	})
}

// RenderForRecipient renders tmpl with a recipient's variables.
func RenderForRecipient(tmpl string, r *model.Recipient) string {
	return RenderTemplate(tmpl, r.Map())
}
