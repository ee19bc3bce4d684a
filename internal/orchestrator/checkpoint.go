package orchestrator

import (
	"context"
	"fmt"
	"time"

	intTracing "github.com/gxo-labs/simloop/internal/tracing"
	simevents "github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// topPatternsInSnapshot is how many failure patterns a checkpoint keeps.
const topPatternsInSnapshot = 5

// CreateCheckpoint appends a checkpoint of the current counters and learned
// state. It may be called while the loop runs.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, reason string) (*trial.Checkpoint, error) {
	if reason == "" {
		reason = "manual"
	}
	return o.createCheckpoint(ctx, reason)
}

func (o *Orchestrator) createCheckpoint(ctx context.Context, reason string) (cp *trial.Checkpoint, err error) {
	ctx, span := o.tracerProvider.GetTracer(tracerName).Start(ctx, "simloop.checkpoint",
		trace.WithAttributes(attribute.String("simloop.checkpoint.reason", reason)))
	defer func() {
		if err != nil {
			intTracing.RecordErrorWithContext(span, err, intTracing.DefaultRedactedKeywords)
		} else {
			span.SetAttributes(attribute.String("simloop.checkpoint.id", cp.ID))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	supervisorState, err := o.supervisor.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export supervisor state: %w", err)
	}
	stats, err := o.store.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read experience stats: %w", err)
	}
	recent, err := o.store.GetRecent(ctx, o.cfg.MetricsWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent experiences: %w", err)
	}

	o.mu.Lock()
	c := trial.Checkpoint{
		ID:                uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		Reason:            reason,
		SuccessCount:      o.successCount,
		TotalAttempts:     o.totalAttempts,
		CurrentBatch:      o.currentBatch,
		PolicyWeights:     o.policy.GetWeights(),
		SupervisorState:   supervisorState,
		ExperienceLogSize: stats.Total,
		Metrics:           trial.ComputeSnapshot(recent, o.supervisor.GetTopBugPatterns(topPatternsInSnapshot)),
	}
	o.mu.Unlock()

	err = o.retry.Do(ctx, o.cfg.CheckpointRetry, func(ctx context.Context) error {
		return o.checkpoints.LogCheckpoint(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to log checkpoint: %w", err)
	}

	o.mu.Lock()
	o.lastCheckpointID = c.ID
	o.mu.Unlock()
	o.checkpointsCounter.WithLabelValues(reason).Inc()
	o.emit(simevents.Event{Type: simevents.CheckpointCreated, Payload: map[string]interface{}{
		"checkpoint_id":  c.ID,
		"reason":         reason,
		"success_count":  c.SuccessCount,
		"total_attempts": c.TotalAttempts,
	}})
	o.log.Infof("Checkpoint %s written (%s): successes=%d attempts=%d experiences=%d",
		c.ID, reason, c.SuccessCount, c.TotalAttempts, c.ExperienceLogSize)
	return &c, nil
}

// tryRestore loads the latest checkpoint, if any, into the counters, policy
// and supervisor, then asks the experience store to restore itself. An empty
// log is not an error.
func (o *Orchestrator) tryRestore(ctx context.Context) (bool, error) {
	cp, err := o.checkpoints.GetLastCheckpoint(ctx)
	if err != nil {
		return false, err
	}
	if cp == nil {
		o.log.Infof("No checkpoint found, starting from zero")
		return false, nil
	}

	if len(cp.PolicyWeights) > 0 {
		if err := o.policy.Import(cp.PolicyWeights); err != nil {
			return false, fmt.Errorf("failed to import policy weights from checkpoint %s: %w", cp.ID, err)
		}
	}
	if err := o.supervisor.Import(cp.SupervisorState); err != nil {
		return false, fmt.Errorf("failed to import supervisor state from checkpoint %s: %w", cp.ID, err)
	}
	if err := o.store.Restore(ctx); err != nil {
		return false, fmt.Errorf("experience store restore failed: %w", err)
	}

	o.mu.Lock()
	o.successCount = cp.SuccessCount
	o.totalAttempts = cp.TotalAttempts
	o.currentBatch = cp.CurrentBatch
	o.lastCheckpointID = cp.ID
	o.mu.Unlock()
	o.successGauge.Set(float64(cp.SuccessCount))
	o.attemptGauge.Set(float64(cp.TotalAttempts))

	o.emit(simevents.Event{Type: simevents.CheckpointRestored, Payload: map[string]interface{}{
		"checkpoint_id":  cp.ID,
		"success_count":  cp.SuccessCount,
		"total_attempts": cp.TotalAttempts,
	}})
	o.log.Infof("Restored checkpoint %s from %s: successes=%d attempts=%d batch=%d",
		cp.ID, cp.Timestamp.Format(time.RFC3339), cp.SuccessCount, cp.TotalAttempts, cp.CurrentBatch)
	return true, nil
}

// emergencyCheckpoint records a fatal loop error and snapshots state. A
// failing snapshot is logged; the original error is what Run returns.
func (o *Orchestrator) emergencyCheckpoint(ctx context.Context, cause error) {
	o.addError("fatal: " + cause.Error())
	o.emit(simevents.Event{Type: simevents.FatalErrorOccurred, Payload: map[string]interface{}{
		"error": intTracing.RedactSecretsInString(cause.Error(), intTracing.DefaultRedactedKeywords),
	}})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := o.createCheckpoint(ctx, "emergency"); err != nil {
		o.log.Errorf("Emergency checkpoint failed: %v", err)
	}
}
