// Package storage defines the persisted collaborators of the completion
// gateway: instruction layers, tool policies, output templates, user
// credentials and the analytics event log.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// ErrNotFound is returned when a keyed record does not exist. Layer lookups
// never return it; a missing layer is empty text.
var ErrNotFound = errors.New("not found")

// OutputTemplate asks the model to structure its answer.
type OutputTemplate struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Instructions     string   `json:"instructions"`
	RequiredSections []string `json:"required_sections,omitempty"`
}

// Store is what a request reads. Every method is safe for concurrent use.
type Store interface {
	// ExpertPrompt returns the persona text for expertID, or "".
	ExpertPrompt(ctx context.Context, expertID string) (string, error)
	// KnowledgeLayer returns the knowledge text for projectID. An empty
	// projectID selects the global knowledge layer.
	KnowledgeLayer(ctx context.Context, projectID string) (string, error)
	// ProfileLayer returns the profile/memory text for userID, or "".
	ProfileLayer(ctx context.Context, userID string) (string, error)
	// ListToolPolicies returns the policies configured for backend.
	ListToolPolicies(ctx context.Context, backend domain.Backend) ([]domain.ToolPolicy, error)
	// ActiveToolPolicyAllowlist returns the ids of the policies in force, or
	// nil when every policy is in force.
	ActiveToolPolicyAllowlist(ctx context.Context) (map[string]struct{}, error)
	// OutputTemplate returns the template with id or ErrNotFound.
	OutputTemplate(ctx context.Context, id string) (*OutputTemplate, error)
	// UserCredential returns the user's own key for backend, or "".
	UserCredential(ctx context.Context, userID string, backend domain.Backend) (string, error)
}

// AdminStore adds the write side used by the CLI and tests.
type AdminStore interface {
	Store

	SetExpertPrompt(ctx context.Context, expertID, prompt string) error
	SetKnowledgeLayer(ctx context.Context, projectID, text string) error
	SetProfileLayer(ctx context.Context, userID, text string) error
	// UpsertToolPolicy stores p keyed by backend and tool. An empty ID is
	// derived with PolicyID.
	UpsertToolPolicy(ctx context.Context, p domain.ToolPolicy) (domain.ToolPolicy, error)
	// SetToolPolicyAllowlist restricts the policies in force. nil lifts the
	// restriction.
	SetToolPolicyAllowlist(ctx context.Context, ids []string) error
	PutOutputTemplate(ctx context.Context, t *OutputTemplate) error
	SetUserCredential(ctx context.Context, userID string, backend domain.Backend, apiKey string) error
	Close() error
}

// EventStore persists analytics records.
type EventStore interface {
	SaveInteraction(ctx context.Context, in *domain.Interaction) error
	ListInteractions(ctx context.Context, opts ListOptions) ([]*domain.Interaction, error)
}

// ListOptions pages through interactions, newest first.
type ListOptions struct {
	UserID string
	Since  time.Time
	Limit  int
}

// PolicyID is the default id of a backend's policy for tool.
func PolicyID(backend domain.Backend, tool string) string {
	return backend.String() + ":" + tool
}
