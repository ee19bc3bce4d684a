package secrets

import (
	"errors"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// SecretTracker remembers resolved secret values so they can be scrubbed
// from error messages and logs before they leave the process.
type SecretTracker struct {
	mu              sync.RWMutex
	resolvedSecrets map[string]struct{}
}

func NewSecretTracker() *SecretTracker {
	return &SecretTracker{resolvedSecrets: make(map[string]struct{})}
}

// Add tracks a secret value. Empty strings are ignored.
func (t *SecretTracker) Add(secretValue string) {
	if secretValue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolvedSecrets[secretValue] = struct{}{}
}

// ContainsTrackedSecret reports whether input contains any tracked value.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if t == nil || input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.resolvedSecrets {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// Redact replaces every tracked value in input with [REDACTED].
func (t *SecretTracker) Redact(input string) string {
	if t == nil || input == "" {
		return input
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.resolvedSecrets {
		input = strings.ReplaceAll(input, secret, redacted)
	}
	return input
}

// RedactError returns err unchanged when it holds no tracked secret,
// otherwise a new error with the secrets replaced.
func (t *SecretTracker) RedactError(err error) error {
	if err == nil || !t.ContainsTrackedSecret(err.Error()) {
		return err
	}
	return errors.New(t.Redact(err.Error()))
}
