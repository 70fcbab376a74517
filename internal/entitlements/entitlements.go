// Package entitlements decides which credential pays for a backend call.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
)

// ErrNoCredential is returned when neither the user nor the platform can pay
// for the requested model.
var ErrNoCredential = errors.New("no usable credential")

// Credential sources.
const (
	SourceUser     = "user"
	SourcePlatform = "platform"
)

// Resolver is the collaborator the gateway consults once per request.
type Resolver interface {
	ResolveCredential(ctx context.Context, userID string, model *domain.ModelConfig) (domain.Credential, error)
}

// PlatformKey is the operator's own key for one backend.
type PlatformKey struct {
	APIKey string
	// AllowedModels limits which model ids may use the key. Empty allows all.
	AllowedModels []string
}

func (k PlatformKey) allows(modelID string) bool {
	return len(k.AllowedModels) == 0 || slices.Contains(k.AllowedModels, modelID)
}

// Service prefers a user's own key and falls back to the platform key.
type Service struct {
	store    storage.Store
	platform map[domain.Backend]PlatformKey
}

var _ Resolver = (*Service)(nil)

// New creates a resolver. store may be nil when users never bring keys.
func New(store storage.Store, platform map[domain.Backend]PlatformKey) *Service {
	return &Service{store: store, platform: platform}
}

// ResolveCredential returns the key for a call to model on behalf of userID.
func (s *Service) ResolveCredential(ctx context.Context, userID string, model *domain.ModelConfig) (domain.Credential, error) {
	if s.store != nil && userID != "" {
		key, err := s.store.UserCredential(ctx, userID, model.Backend)
		if err != nil {
			return domain.Credential{}, fmt.Errorf("load user credential: %w", err)
		}
		if key != "" {
			return domain.Credential{APIKey: key, Source: SourceUser}, nil
		}
	}

	if pk, ok := s.platform[model.Backend]; ok && pk.APIKey != "" {
		if pk.allows(model.ID) {
			return domain.Credential{APIKey: pk.APIKey, Source: SourcePlatform}, nil
		}
		return domain.Credential{}, fmt.Errorf("%w: model %s is not available on the platform %s key and no personal key is set",
			ErrNoCredential, model.ID, model.Backend)
	}

	return domain.Credential{}, fmt.Errorf("%w: no %s key configured for model %s", ErrNoCredential, model.Backend, model.ID)
}
