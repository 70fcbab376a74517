package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
)

type credKey struct {
	userID  string
	backend domain.Backend
}

// Store is an in-memory implementation of AdminStore and EventStore
type Store struct {
	mu           sync.RWMutex
	experts      map[string]string
	knowledge    map[string]string
	profiles     map[string]string
	policies     map[string]domain.ToolPolicy
	allowlist    map[string]struct{}
	templates    map[string]storage.OutputTemplate
	credentials  map[credKey]string
	interactions []*domain.Interaction
}

var (
	_ storage.AdminStore = (*Store)(nil)
	_ storage.EventStore = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		experts:     make(map[string]string),
		knowledge:   make(map[string]string),
		profiles:    make(map[string]string),
		policies:    make(map[string]domain.ToolPolicy),
		templates:   make(map[string]storage.OutputTemplate),
		credentials: make(map[credKey]string),
	}
}

func (s *Store) ExpertPrompt(ctx context.Context, expertID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.experts[expertID], nil
}

func (s *Store) KnowledgeLayer(ctx context.Context, projectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.knowledge[projectID], nil
}

func (s *Store) ProfileLayer(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[userID], nil
}

func (s *Store) ListToolPolicies(ctx context.Context, backend domain.Backend) ([]domain.ToolPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.ToolPolicy
	for _, p := range s.policies {
		if p.Backend == backend {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tool < result[j].Tool })
	return result, nil
}

func (s *Store) ActiveToolPolicyAllowlist(ctx context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.allowlist == nil {
		return nil, nil
	}
	out := make(map[string]struct{}, len(s.allowlist))
	for id := range s.allowlist {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) OutputTemplate(ctx context.Context, id string) (*storage.OutputTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
	}
	t.RequiredSections = slices.Clone(t.RequiredSections)
	return &t, nil
}

func (s *Store) UserCredential(ctx context.Context, userID string, backend domain.Backend) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[credKey{userID, backend}], nil
}

func (s *Store) SetExpertPrompt(ctx context.Context, expertID, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experts[expertID] = prompt
	return nil
}

func (s *Store) SetKnowledgeLayer(ctx context.Context, projectID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[projectID] = text
	return nil
}

func (s *Store) SetProfileLayer(ctx context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = text
	return nil
}

func (s *Store) UpsertToolPolicy(ctx context.Context, p domain.ToolPolicy) (domain.ToolPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.PolicyID(p.Backend, p.Tool)
	if existing, ok := s.policies[key]; ok && p.ID == "" {
		p.ID = existing.ID
	}
	if p.ID == "" {
		p.ID = key
	}
	s.policies[key] = p
	return p, nil
}

func (s *Store) SetToolPolicyAllowlist(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ids == nil {
		s.allowlist = nil
		return nil
	}
	s.allowlist = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.allowlist[id] = struct{}{}
	}
	return nil
}

func (s *Store) PutOutputTemplate(ctx context.Context, t *storage.OutputTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	cp.RequiredSections = slices.Clone(t.RequiredSections)
	s.templates[t.ID] = cp
	return nil
}

func (s *Store) SetUserCredential(ctx context.Context, userID string, backend domain.Backend, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if apiKey == "" {
		delete(s.credentials, credKey{userID, backend})
		return nil
	}
	s.credentials[credKey{userID, backend}] = apiKey
	return nil
}

func (s *Store) SaveInteraction(ctx context.Context, in *domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *in
	cp.ExecutedTools = slices.Clone(in.ExecutedTools)
	s.interactions = append(s.interactions, &cp)
	return nil
}

func (s *Store) ListInteractions(ctx context.Context, opts storage.ListOptions) ([]*domain.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Interaction
	for i := len(s.interactions) - 1; i >= 0; i-- {
		in := s.interactions[i]
		if opts.UserID != "" && in.UserID != opts.UserID {
			continue
		}
		if !opts.Since.IsZero() && in.CreatedAt.Before(opts.Since) {
			continue
		}
		cp := *in
		result = append(result, &cp)
		if opts.Limit > 0 && len(result) == opts.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
