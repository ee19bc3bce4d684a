// Package retry runs an operation with bounded attempts, exponential backoff
// and jitter. Sleeps between attempts honor context cancellation.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gxo-labs/simloop/internal/tracing"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
)

// Operation is one attempt of the retried work.
type Operation func(ctx context.Context) error

// Config controls a single Do call.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	// Name prefixes log lines, e.g. "checkpoint".
	Name string
}

// Helper executes operations under a Config.
type Helper struct {
	log              simlog.Logger
	mu               sync.Mutex
	randSource       *rand.Rand
	redactedKeywords map[string]struct{}
}

// NewHelper creates a Helper. log must not be nil.
func NewHelper(log simlog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:              log,
		randSource:       rand.New(rand.NewSource(time.Now().UnixNano())),
		redactedKeywords: tracing.DefaultRedactedKeywords,
	}
}

// SetRedactedKeywords replaces the keywords scrubbed from logged errors.
func (h *Helper) SetRedactedKeywords(keywords map[string]struct{}) {
	h.redactedKeywords = keywords
}

func normalize(cfg Config) Config {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}
	return cfg
}

// Backoff returns the wait before attempt+1 given that attempt failed.
func (h *Helper) Backoff(cfg Config, attempt int) time.Duration {
	cfg = normalize(cfg)
	base := float64(cfg.Delay)
	if cfg.BackoffFactor > 1.0 && attempt > 1 {
		base *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)

	if cfg.Jitter > 0.0 {
		h.mu.Lock()
		factor := cfg.Jitter * (h.randSource.Float64()*2.0 - 1.0)
		h.mu.Unlock()
		wait += time.Duration(float64(wait) * factor)
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}

// Do runs op until it succeeds, the attempts are exhausted or ctx is done.
// The returned error is the last attempt's error with secrets redacted.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	cfg = normalize(cfg)
	logPrefix := ""
	if cfg.Name != "" {
		logPrefix = fmt.Sprintf("op=%s ", cfg.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("retry cancelled after %d attempts with last error: %w (context: %v)",
				attempt-1, tracing.RedactSecretsInError(lastErr, h.redactedKeywords), err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				h.log.Infof("%sOperation succeeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts {
			break
		}

		wait := h.Backoff(cfg, attempt)
		h.log.Warnf("%sOperation failed on attempt %d/%d (retrying in %v): %v",
			logPrefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond),
			tracing.RedactSecretsInError(lastErr, h.redactedKeywords))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry delay cancelled after attempt %d with error: %w (context: %v)",
				attempt, tracing.RedactSecretsInError(lastErr, h.redactedKeywords), ctx.Err())
		}
	}

	redacted := tracing.RedactSecretsInError(lastErr, h.redactedKeywords)
	h.log.Errorf("%sOperation failed definitively after %d attempts: %v", logPrefix, cfg.Attempts, redacted)
	return redacted
}
