package gateway

import (
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
)

// validateTemplate reports which required sections of tmpl are missing a
// heading in content. A heading is a markdown "#" line or a line that is
// entirely bold.
func validateTemplate(tmpl *storage.OutputTemplate, content string) *domain.TemplateValidation {
	if tmpl == nil {
		return nil
	}

	headings := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		if h, ok := heading(line); ok {
			headings[normalizeHeading(h)] = true
		}
	}

	out := &domain.TemplateValidation{TemplateID: tmpl.ID, Valid: true}
	for _, section := range tmpl.RequiredSections {
		if !headings[normalizeHeading(section)] {
			out.MissingSections = append(out.MissingSections, section)
		}
	}
	out.Valid = len(out.MissingSections) == 0
	return out
}

func heading(line string) (string, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "#"):
		return strings.TrimLeft(line, "#"), true
	case len(line) > 4 && strings.HasPrefix(line, "**") && strings.HasSuffix(line, "**"):
		return line[2 : len(line)-2], true
	}
	return "", false
}

func normalizeHeading(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ":")
	return strings.ToLower(strings.TrimSpace(s))
}
