package secrets

import (
	"context"
	"fmt"
	"strings"
)

const secretRefPrefix = "$SECRET:"

// Resolver resolves $SECRET:name references found in adapter and VM pool
// configuration (EDR console API tokens, VM admin credentials, blob store
// keys) to actual values held in the vault store. This keeps credentials out
// of plain config files and out of job/result records.
type Resolver struct {
	store *Store
}

// NewResolver creates a new secret resolver
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveConfigValues resolves all $SECRET: references in a flat config map
// (e.g. an adapter's connection settings). Returns a new map with secrets
// resolved.
func (r *Resolver) ResolveConfigValues(ctx context.Context, values map[string]string) (map[string]string, error) {
	if len(values) == 0 {
		return values, nil
	}

	resolved := make(map[string]string, len(values))
	for k, v := range values {
		resolvedValue, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		resolved[k] = resolvedValue
	}

	return resolved, nil
}

// ResolveValue resolves a single value that may contain $SECRET:name reference
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return value, nil
	}

	secretName := strings.TrimPrefix(value, secretRefPrefix)
	if secretName == "" {
		return "", fmt.Errorf("empty secret name in reference")
	}

	secretValue, err := r.store.Get(ctx, secretName)
	if err != nil {
		return "", fmt.Errorf("get secret '%s': %w", secretName, err)
	}

	return string(secretValue), nil
}

// IsSecretRef checks if a value is a secret reference
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretRefPrefix)
}

// ExtractSecretName extracts the secret name from a reference
func ExtractSecretName(value string) string {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(value, secretRefPrefix)
}

// ListSecretRefs returns all secret names referenced in a config value map
func ListSecretRefs(values map[string]string) []string {
	var refs []string
	for _, v := range values {
		if name := ExtractSecretName(v); name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}
