// Package storagetest holds behaviour tests shared by every store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
)

// Store is what the suite exercises.
type Store interface {
	storage.AdminStore
	storage.EventStore
}

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Layers", func(t *testing.T) { testLayers(t, newStore(t)) })
	t.Run("ToolPolicies", func(t *testing.T) { testToolPolicies(t, newStore(t)) })
	t.Run("Allowlist", func(t *testing.T) { testAllowlist(t, newStore(t)) })
	t.Run("Templates", func(t *testing.T) { testTemplates(t, newStore(t)) })
	t.Run("Credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
	t.Run("Interactions", func(t *testing.T) { testInteractions(t, newStore(t)) })
}

func testLayers(t *testing.T, s Store) {
	ctx := context.Background()

	if got, err := s.ExpertPrompt(ctx, "missing"); err != nil || got != "" {
		t.Fatalf("ExpertPrompt(missing) = %q, %v", got, err)
	}

	must(t, s.SetExpertPrompt(ctx, "lawyer", "You are a careful lawyer."))
	must(t, s.SetExpertPrompt(ctx, "lawyer", "You are a contracts lawyer."))
	must(t, s.SetKnowledgeLayer(ctx, "", "Global facts."))
	must(t, s.SetKnowledgeLayer(ctx, "proj-1", "Project facts."))
	must(t, s.SetProfileLayer(ctx, "user-1", "Prefers short answers."))

	tests := []struct {
		name string
		get  func() (string, error)
		want string
	}{
		{"expert overwritten", func() (string, error) { return s.ExpertPrompt(ctx, "lawyer") }, "You are a contracts lawyer."},
		{"global knowledge", func() (string, error) { return s.KnowledgeLayer(ctx, "") }, "Global facts."},
		{"project knowledge", func() (string, error) { return s.KnowledgeLayer(ctx, "proj-1") }, "Project facts."},
		{"unknown project", func() (string, error) { return s.KnowledgeLayer(ctx, "proj-2") }, ""},
		{"profile", func() (string, error) { return s.ProfileLayer(ctx, "user-1") }, "Prefers short answers."},
	}
	for _, tt := range tests {
		got, err := tt.get()
		if err != nil {
			t.Fatalf("%s: error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func testToolPolicies(t *testing.T, s Store) {
	ctx := context.Background()

	p, err := s.UpsertToolPolicy(ctx, domain.ToolPolicy{Backend: domain.BackendOpenAI, Tool: "web_search", Enabled: true, SafetyNote: "Cite."})
	if err != nil {
		t.Fatalf("UpsertToolPolicy() error = %v", err)
	}
	if p.ID != "openai:web_search" {
		t.Errorf("ID = %q", p.ID)
	}

	// Same backend and tool updates in place, keeping the id.
	p, err = s.UpsertToolPolicy(ctx, domain.ToolPolicy{Backend: domain.BackendOpenAI, Tool: "web_search", Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "openai:web_search" {
		t.Errorf("ID after update = %q", p.ID)
	}
	_, err = s.UpsertToolPolicy(ctx, domain.ToolPolicy{ID: "custom", Backend: domain.BackendOpenAI, Tool: "python_execute", Enabled: true})
	must(t, err)
	_, err = s.UpsertToolPolicy(ctx, domain.ToolPolicy{Backend: domain.BackendGemini, Tool: "web_search", Enabled: true})
	must(t, err)

	got, err := s.ListToolPolicies(ctx, domain.BackendOpenAI)
	if err != nil {
		t.Fatalf("ListToolPolicies() error = %v", err)
	}
	want := []domain.ToolPolicy{
		{ID: "custom", Backend: domain.BackendOpenAI, Tool: "python_execute", Enabled: true},
		{ID: "openai:web_search", Backend: domain.BackendOpenAI, Tool: "web_search", Enabled: false},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListToolPolicies() =\n%+v\nwant\n%+v", got, want)
	}

	none, err := s.ListToolPolicies(ctx, domain.BackendBedrock)
	if err != nil || len(none) != 0 {
		t.Errorf("ListToolPolicies(bedrock) = %v, %v", none, err)
	}
}

func testAllowlist(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.ActiveToolPolicyAllowlist(ctx)
	if err != nil || got != nil {
		t.Fatalf("initial allowlist = %v, %v; want nil", got, err)
	}

	must(t, s.SetToolPolicyAllowlist(ctx, []string{"a", "b"}))
	got, err = s.ActiveToolPolicyAllowlist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]struct{}{"a": {}, "b": {}}; !reflect.DeepEqual(got, want) {
		t.Errorf("allowlist = %v, want %v", got, want)
	}

	must(t, s.SetToolPolicyAllowlist(ctx, []string{}))
	got, _ = s.ActiveToolPolicyAllowlist(ctx)
	if got == nil || len(got) != 0 {
		t.Errorf("empty allowlist = %v, want empty non-nil", got)
	}

	must(t, s.SetToolPolicyAllowlist(ctx, nil))
	got, _ = s.ActiveToolPolicyAllowlist(ctx)
	if got != nil {
		t.Errorf("cleared allowlist = %v, want nil", got)
	}
}

func testTemplates(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.OutputTemplate(ctx, "brief"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	tmpl := &storage.OutputTemplate{
		ID:               "brief",
		Name:             "Briefing",
		Instructions:     "Write a briefing.",
		RequiredSections: []string{"Summary", "Risks"},
	}
	must(t, s.PutOutputTemplate(ctx, tmpl))

	got, err := s.OutputTemplate(ctx, "brief")
	if err != nil {
		t.Fatalf("OutputTemplate() error = %v", err)
	}
	if !reflect.DeepEqual(got, tmpl) {
		t.Errorf("OutputTemplate() = %+v, want %+v", got, tmpl)
	}

	if err := s.PutOutputTemplate(ctx, &storage.OutputTemplate{}); err == nil {
		t.Error("expected error for template without id")
	}
}

func testCredentials(t *testing.T, s Store) {
	ctx := context.Background()

	must(t, s.SetUserCredential(ctx, "u1", domain.BackendAnthropic, "sk-ant-user"))
	if got, _ := s.UserCredential(ctx, "u1", domain.BackendAnthropic); got != "sk-ant-user" {
		t.Errorf("UserCredential() = %q", got)
	}
	if got, _ := s.UserCredential(ctx, "u1", domain.BackendOpenAI); got != "" {
		t.Errorf("other backend = %q, want empty", got)
	}

	must(t, s.SetUserCredential(ctx, "u1", domain.BackendAnthropic, ""))
	if got, _ := s.UserCredential(ctx, "u1", domain.BackendAnthropic); got != "" {
		t.Errorf("deleted credential = %q", got)
	}
}

func testInteractions(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []*domain.Interaction{
		{RequestID: "r1", UserID: "u1", Model: "gpt-4o", Backend: domain.BackendOpenAI, Outcome: domain.OutcomeSuccess,
			Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, CreatedAt: base, Duration: time.Second},
		{RequestID: "r2", UserID: "u2", Model: "claude", Backend: domain.BackendAnthropic, Streaming: true, Outcome: domain.OutcomeError,
			Error: "rate limited", CreatedAt: base.Add(time.Minute)},
		{RequestID: "r3", UserID: "u1", Model: "gemini", Backend: domain.BackendGemini, Outcome: domain.OutcomeSuccess,
			ExecutedTools: []string{"web_search"}, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		must(t, s.SaveInteraction(ctx, r))
	}

	all, err := s.ListInteractions(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListInteractions() error = %v", err)
	}
	if len(all) != 3 || all[0].RequestID != "r3" || all[2].RequestID != "r1" {
		t.Fatalf("ListInteractions() order = %v", ids(all))
	}
	if !reflect.DeepEqual(all[0].ExecutedTools, []string{"web_search"}) {
		t.Errorf("ExecutedTools = %v", all[0].ExecutedTools)
	}
	if all[1].Error != "rate limited" || !all[1].Streaming || all[1].Backend != domain.BackendAnthropic {
		t.Errorf("r2 = %+v", all[1])
	}
	if all[2].Usage.TotalTokens != 15 || all[2].Duration != time.Second || !all[2].CreatedAt.Equal(base) {
		t.Errorf("r1 = %+v", all[2])
	}

	mine, _ := s.ListInteractions(ctx, storage.ListOptions{UserID: "u1", Limit: 1})
	if got := ids(mine); !reflect.DeepEqual(got, []string{"r3"}) {
		t.Errorf("filtered = %v", got)
	}
	recent, _ := s.ListInteractions(ctx, storage.ListOptions{Since: base.Add(30 * time.Second)})
	if got := ids(recent); !reflect.DeepEqual(got, []string{"r3", "r2"}) {
		t.Errorf("since = %v", got)
	}
}

func ids(in []*domain.Interaction) []string {
	out := make([]string, len(in))
	for i, r := range in {
		out[i] = r.RequestID
	}
	return out
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
