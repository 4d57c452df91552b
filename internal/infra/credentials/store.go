// Package credentials stores provider API keys in the integration_tokens
// table, for deployments that rotate keys without redeploying.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/sqlinline"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// APIKey returns the stored key for provider, or "" when none is stored.
func (s *Store) APIKey(ctx context.Context, provider domain.Provider) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, string(provider))
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("credentials: %s: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

// SetAPIKey stores or replaces the key for provider.
func (s *Store) SetAPIKey(ctx context.Context, provider domain.Provider, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credentials: api key is required")
	}
	if _, ok := domain.ParseProvider(string(provider)); !ok {
		return fmt.Errorf("credentials: %w: %q", domain.ErrMissingProvider, provider)
	}
	return s.upsert(ctx, string(provider), key, map[string]any{"kind": "api_key"})
}

// Resolve prefers the configured value and falls back to the stored key.
func (s *Store) Resolve(ctx context.Context, provider domain.Provider, configured string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	if s == nil {
		return "", nil
	}
	return s.APIKey(ctx, provider)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
