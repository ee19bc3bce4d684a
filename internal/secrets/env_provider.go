package secrets

import (
	"context"
	"fmt"
	"os"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simsecrets "github.com/gxo-labs/simloop/pkg/simloop/v1/secrets"
)

// EnvProvider resolves secrets from environment variables.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// GetSecret returns the variable's value and whether it is set.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(key)
	return value, found, nil
}

// Resolve fetches key from p and records the value with tracker so it can
// later be scrubbed from errors. A missing or empty secret is a ConfigError.
func Resolve(ctx context.Context, p simsecrets.Provider, tracker *SecretTracker, key string) (string, error) {
	value, found, err := p.GetSecret(ctx, key)
	if err != nil {
		return "", simerrors.NewConfigError(fmt.Sprintf("failed to resolve secret %s", key), err)
	}
	if !found || value == "" {
		return "", simerrors.NewConfigError(fmt.Sprintf("secret %s is not set", key), nil)
	}
	if tracker != nil {
		tracker.Add(value)
	}
	return value, nil
}

var _ simsecrets.Provider = (*EnvProvider)(nil)
