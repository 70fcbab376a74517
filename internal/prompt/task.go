package prompt

import "strings"

// ResearchDirective is added to the task layer for deep-research requests.
const ResearchDirective = "Conduct thorough, multi-step research before answering. " +
	"Compare several sources, note disagreements between them, and cite the sources you relied on."

// TaskInput collects the per-request pieces of the task layer.
type TaskInput struct {
	Summary              string
	DeepResearch         bool
	TemplateInstructions string
	RequiredSections     []string
}

// TaskLayer renders the task layer text. The result is empty when the input
// carries nothing.
func TaskLayer(in TaskInput) string {
	var parts []string
	if s := strings.TrimSpace(in.Summary); s != "" {
		parts = append(parts, "Task goal: "+s)
	}
	if in.DeepResearch {
		parts = append(parts, ResearchDirective)
	}
	if s := strings.TrimSpace(in.TemplateInstructions); s != "" {
		parts = append(parts, s)
	}
	if len(in.RequiredSections) > 0 {
		var b strings.Builder
		b.WriteString("Structure the answer with these section headings, in order:")
		for _, section := range in.RequiredSections {
			b.WriteString("\n## ")
			b.WriteString(section)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, Separator)
}
