// Package config provides configuration loading utilities for the provider catalog.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// ProviderCatalog is the parsed providers.yaml file.
type ProviderCatalog struct {
	Providers []domain.ProviderConfig `yaml:"providers"`
}

// LoadProviderCatalog parses the provider catalog YAML. API keys are resolved
// from the environment via api_key_env so secrets never live in the file.
func LoadProviderCatalog(path string) (*ProviderCatalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("op=config.LoadProviderCatalog: catalog not found: %s", path)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadProviderCatalog: %w", err)
	}
	var cat ProviderCatalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, fmt.Errorf("op=config.LoadProviderCatalog: parse: %w", err)
	}
	seen := map[string]bool{}
	for i, pc := range cat.Providers {
		if pc.ID == "" {
			return nil, fmt.Errorf("op=config.LoadProviderCatalog: providers[%d]: id required", i)
		}
		if seen[pc.ID] {
			return nil, fmt.Errorf("op=config.LoadProviderCatalog: duplicate provider id %q", pc.ID)
		}
		seen[pc.ID] = true
	}
	return &cat, nil
}

// ResolveAPIKey returns the secret referenced by api_key_env, or empty.
func ResolveAPIKey(pc domain.ProviderConfig) string {
	if pc.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(pc.APIKeyEnv)
}
