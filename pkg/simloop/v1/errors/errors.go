package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// --- simloop Core Error Types ---

// ConfigError represents an error encountered during the loading, parsing,
// or validation of the configuration or orchestrator options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (configuration structure, schema
// version, import documents, API payloads) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// AdmissionDeniedError signifies that the guardrail refused to admit another
// trial. It is never fatal: the loop backs off and asks again.
type AdmissionDeniedError struct {
	Kind   string // e.g., "cooldown", "minute_limit", "daily_cost"
	Reason string
}

func NewAdmissionDeniedError(kind, reason string) *AdmissionDeniedError {
	return &AdmissionDeniedError{Kind: kind, Reason: reason}
}
func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied (%s): %s", e.Kind, e.Reason)
}

// IsAdmissionDenied checks if an error is an AdmissionDeniedError using errors.As.
func IsAdmissionDenied(err error) bool {
	var denied *AdmissionDeniedError
	return errors.As(err, &denied)
}

// TrialError describes why a single trial failed. It is carried on the
// LoopResult as a message and used for structured logging; it never escapes
// the trial boundary as a returned error.
type TrialError struct {
	TrialID  string
	Outcome  string
	Strategy string
	Cause    error
}

func NewTrialError(trialID, outcome, strategy string, cause error) *TrialError {
	return &TrialError{TrialID: trialID, Outcome: outcome, Strategy: strategy, Cause: cause}
}
func (e *TrialError) Error() string {
	if e.TrialID == "" {
		return fmt.Sprintf("trial failed (%s): %v", e.Outcome, e.Cause)
	}
	return fmt.Sprintf("trial '%s' failed (%s): %v", e.TrialID, e.Outcome, e.Cause)
}
func (e *TrialError) Unwrap() error { return e.Cause }

// StoreError wraps a failure reported by a persistence backend.
type StoreError struct {
	Backend string // e.g., "memory", "sql", "badger", "redis"
	Op      string
	Cause   error
}

func NewStoreError(backend, op string, cause error) *StoreError {
	return &StoreError{Backend: backend, Op: op, Cause: cause}
}
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s failed: %v", e.Backend, e.Op, e.Cause)
}
func (e *StoreError) Unwrap() error { return e.Cause }

// ImportError accumulates per-item failures from a bulk import. The import
// itself is not aborted by item failures; callers inspect Items.
type ImportError struct {
	Items []string
}

func NewImportError(items []string) *ImportError {
	return &ImportError{Items: items}
}
func (e *ImportError) Error() string {
	if len(e.Items) == 0 {
		return "import completed with errors"
	}
	return fmt.Sprintf("import completed with %d item error(s):\n- %s", len(e.Items), strings.Join(e.Items, "\n- "))
}
