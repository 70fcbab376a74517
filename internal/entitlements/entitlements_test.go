package entitlements

import (
	"context"
	"errors"
	"testing"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage/memory"
)

func TestResolveCredential(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SetUserCredential(ctx, "alice", domain.BackendAnthropic, "sk-alice"); err != nil {
		t.Fatal(err)
	}

	svc := New(store, map[domain.Backend]PlatformKey{
		domain.BackendAnthropic: {APIKey: "sk-platform-ant"},
		domain.BackendOpenAI:    {APIKey: "sk-platform-oai", AllowedModels: []string{"gpt-4o-mini"}},
	})

	claude := &domain.ModelConfig{ID: "claude-sonnet", Backend: domain.BackendAnthropic}
	mini := &domain.ModelConfig{ID: "gpt-4o-mini", Backend: domain.BackendOpenAI}
	big := &domain.ModelConfig{ID: "gpt-4o", Backend: domain.BackendOpenAI}
	gemini := &domain.ModelConfig{ID: "gemini-2.5-pro", Backend: domain.BackendGemini}

	tests := []struct {
		name       string
		userID     string
		model      *domain.ModelConfig
		wantKey    string
		wantSource string
		wantErr    bool
	}{
		{"user key wins", "alice", claude, "sk-alice", SourceUser, false},
		{"platform fallback", "bob", claude, "sk-platform-ant", SourcePlatform, false},
		{"anonymous uses platform", "", claude, "sk-platform-ant", SourcePlatform, false},
		{"allowed platform model", "bob", mini, "sk-platform-oai", SourcePlatform, false},
		{"model not allowed on platform", "bob", big, "", "", true},
		{"no key at all", "alice", gemini, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := svc.ResolveCredential(ctx, tt.userID, tt.model)
			if tt.wantErr {
				if !errors.Is(err, ErrNoCredential) {
					t.Fatalf("err = %v, want ErrNoCredential", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveCredential() error = %v", err)
			}
			if cred.APIKey != tt.wantKey || cred.Source != tt.wantSource {
				t.Errorf("credential = %+v, want %s/%s", cred, tt.wantKey, tt.wantSource)
			}
		})
	}
}

func TestResolveCredential_NilStore(t *testing.T) {
	svc := New(nil, map[domain.Backend]PlatformKey{domain.BackendBedrock: {APIKey: "AKID:secret"}})
	cred, err := svc.ResolveCredential(context.Background(), "carol", &domain.ModelConfig{ID: "nova", Backend: domain.BackendBedrock})
	if err != nil || cred.APIKey != "AKID:secret" {
		t.Fatalf("ResolveCredential() = %+v, %v", cred, err)
	}
}
