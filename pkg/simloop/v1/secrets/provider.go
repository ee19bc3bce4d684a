package secrets

import "context"

// Provider resolves named credentials such as the LLM API key or the admin
// API signing secret.
type Provider interface {
	// GetSecret returns the value for key and whether it was found.
	GetSecret(ctx context.Context, key string) (string, bool, error)
}
