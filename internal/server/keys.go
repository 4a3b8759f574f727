package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/domain"
	"actiongate/internal/engine"
	"actiongate/internal/repo"
)

// MintAPIKey generates a fresh key, stores its hash, and returns the
// plaintext exactly once.
func MintAPIKey(ctx context.Context, e engine.Engine, actorID, name string) (string, domain.APIKey, error) {
	key := "ag_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	record := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, record); err != nil {
		return "", domain.APIKey{}, err
	}
	return key, record, nil
}
