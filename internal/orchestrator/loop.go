package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gxo-labs/simloop/internal/executor"
	intTracing "github.com/gxo-labs/simloop/internal/tracing"
	simloop "github.com/gxo-labs/simloop/pkg/simloop/v1"
	simevents "github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Run drives trials until the target is met, Stop is called or ctx is
// done. A failure inside the loop itself takes an emergency checkpoint and is
// returned; failures inside a trial are only recorded in its result.
func (o *Orchestrator) Run(ctx context.Context) (report *simloop.RunReport, finalErr error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.running = true
	o.paused = false
	o.cooldown = false
	o.stopRequested = false
	o.startTime = time.Now()
	startTime := o.startTime
	o.mu.Unlock()

	tracer := o.tracerProvider.GetTracer(tracerName)
	ctx, span := tracer.Start(ctx, "simloop.run")

	report = &simloop.RunReport{StartTime: startTime}
	startAttempts := 0

	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("Panic in main loop: %v\n%s", r, debug.Stack())
			finalErr = fmt.Errorf("main loop panic: %v", r)
			o.emergencyCheckpoint(ctx, finalErr)
		}

		o.guardrail.Stop()
		o.mu.Lock()
		o.running = false
		o.paused = false
		o.cooldown = false
		o.cancelTrial = nil
		report.SuccessCount = o.successCount
		report.TotalAttempts = o.totalAttempts
		report.CurrentBatch = o.currentBatch
		report.LastCheckpointID = o.lastCheckpointID
		o.mu.Unlock()
		o.runningGauge.Set(0)

		report.TrialsThisRun = report.TotalAttempts - startAttempts
		report.EndTime = time.Now()
		report.Duration = report.EndTime.Sub(report.StartTime)
		if finalErr != nil {
			report.Reason = simloop.EndFailed
			report.Error = finalErr.Error()
			intTracing.RecordErrorWithContext(span, finalErr, intTracing.DefaultRedactedKeywords)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(
			attribute.String("simloop.run.reason", report.Reason),
			attribute.Int("simloop.run.success_count", report.SuccessCount),
			attribute.Int("simloop.run.total_attempts", report.TotalAttempts),
			attribute.Int("simloop.run.trials", report.TrialsThisRun),
		)
		span.End()

		o.emit(simevents.Event{Type: simevents.SimulationEnd, Payload: map[string]interface{}{
			"reason":         report.Reason,
			"success_count":  report.SuccessCount,
			"total_attempts": report.TotalAttempts,
			"duration_ms":    report.Duration.Milliseconds(),
		}})
		o.log.Infof("Simulation finished: reason=%s successes=%d attempts=%d trials_this_run=%d",
			report.Reason, report.SuccessCount, report.TotalAttempts, report.TrialsThisRun)
	}()

	if err := o.prepare(); err != nil {
		return report, err
	}
	if err := o.checkpoints.Init(ctx); err != nil {
		return report, fmt.Errorf("failed to initialize checkpoint log: %w", err)
	}
	restored, err := o.tryRestore(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to restore from checkpoint: %w", err)
	}
	report.Restored = restored

	o.mu.Lock()
	startAttempts = o.totalAttempts
	o.mu.Unlock()

	o.guardrail.Start(ctx)
	o.runningGauge.Set(1)
	o.emit(simevents.Event{Type: simevents.SimulationStart, Payload: map[string]interface{}{
		"target_successes": o.cfg.TargetSuccesses,
		"restored":         restored,
	}})
	o.log.Infof("Simulation started: target=%d restored=%t", o.cfg.TargetSuccesses, restored)

	reason, err := o.loop(ctx)
	if err != nil {
		o.emergencyCheckpoint(ctx, err)
		return report, fmt.Errorf("simulation loop failed: %w", err)
	}
	report.Reason = reason

	if _, err := o.createCheckpoint(context.WithoutCancel(ctx), "final"); err != nil {
		return report, fmt.Errorf("failed to write final checkpoint: %w", err)
	}
	return report, nil
}

// loop runs iterations until an end condition. Admission denials and pauses
// never consume an attempt.
func (o *Orchestrator) loop(ctx context.Context) (string, error) {
	for {
		if ctx.Err() != nil {
			return simloop.EndCancelled, nil
		}

		o.mu.Lock()
		stop, paused := o.stopRequested, o.paused
		done := o.successCount >= o.cfg.TargetSuccesses
		o.mu.Unlock()

		switch {
		case stop:
			return simloop.EndStopped, nil
		case done:
			return simloop.EndTargetReached, nil
		case paused:
			o.sleep(ctx, o.cfg.PausePollInterval)
			continue
		}

		decision := o.guardrail.CanProceed()
		if !decision.Allowed {
			o.setCooldown(true)
			o.addWarning(fmt.Sprintf("admission denied (%s): %s", decision.Kind, decision.Reason))
			o.emit(simevents.Event{Type: simevents.AdmissionDenied, Payload: map[string]interface{}{
				"kind":   decision.Kind,
				"reason": decision.Reason,
			}})
			o.warnLog.Do(func() {
				o.log.Warnf("Guardrail denied trial, backing off %s: %s", o.cfg.DeniedBackoff, decision.Reason)
			})
			o.sleep(ctx, o.cfg.DeniedBackoff)
			continue
		}
		o.setCooldown(false)
		o.surfaceWarnings()

		result := o.runTrial(ctx)

		o.guardrail.RecordCall(result.Success)
		o.mu.Lock()
		o.totalAttempts++
		if result.Success {
			o.successCount++
		}
		progress := o.progressLocked()
		o.mu.Unlock()

		o.successGauge.Set(float64(progress.SuccessCount))
		o.attemptGauge.Set(float64(progress.TotalAttempts))
		if o.onLoopComplete != nil {
			o.onLoopComplete(result)
		}
		if o.onProgress != nil {
			o.onProgress(progress)
		}

		if o.cfg.CheckpointInterval > 0 && progress.TotalAttempts%o.cfg.CheckpointInterval == 0 {
			if _, err := o.createCheckpoint(context.WithoutCancel(ctx), "periodic"); err != nil {
				return "", err
			}
		}
		if o.cfg.BatchSize > 0 && progress.TotalAttempts%o.cfg.BatchSize == 0 {
			o.batchLearn(ctx)
		}
	}
}

func (o *Orchestrator) runTrial(ctx context.Context) trial.LoopResult {
	sel := o.prompts.Select(ctx)

	o.mu.Lock()
	attempt := o.totalAttempts + 1
	req := executor.Request{
		Selection:     sel,
		Attempt:       attempt,
		SuccessCount:  o.successCount,
		TotalAttempts: o.totalAttempts,
	}
	trialCtx, cancel := context.WithCancel(ctx)
	o.cancelTrial = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancelTrial = nil
		o.mu.Unlock()
	}()

	o.emit(simevents.Event{Type: simevents.TrialStart, Attempt: attempt, Payload: map[string]interface{}{
		"prompt":      sel.Prompt,
		"template_id": sel.TemplateID,
		"multi_turn":  sel.MultiTurn,
	}})

	start := time.Now()
	result := o.executor.Execute(trialCtx, req)
	o.trialDuration.Observe(time.Since(start).Seconds())
	o.rewardHistogram.Observe(result.Reward)
	o.trialsCounter.WithLabelValues(string(result.Outcome), strconv.FormatBool(result.Success)).Inc()

	payload := map[string]interface{}{
		"success":    result.Success,
		"outcome":    string(result.Outcome),
		"strategy":   string(result.Strategy),
		"reward":     result.Reward,
		"true_count": result.Checklist.TrueCount(),
	}
	if result.ErrorMessage != "" {
		payload["error"] = result.ErrorMessage
		o.addError(fmt.Sprintf("attempt %d (%s): %s", attempt, result.Outcome, result.ErrorMessage))
	}
	o.emit(simevents.Event{Type: simevents.TrialEnd, TrialID: result.ID, Attempt: attempt, Payload: payload})
	return result
}

// batchLearn feeds the latest BatchSize experiences to the policy. A store
// read failure skips the pass.
func (o *Orchestrator) batchLearn(ctx context.Context) {
	batch, err := o.store.GetRecent(ctx, o.cfg.BatchSize)
	if err != nil {
		o.log.Warnf("Skipping batch learning, failed to read recent experiences: %v", err)
		o.addError("batch learning skipped: " + err.Error())
		return
	}
	o.policy.BatchUpdate(batch)

	o.mu.Lock()
	o.currentBatch++
	n := o.currentBatch
	o.mu.Unlock()
	o.batchesCounter.Inc()
	o.emit(simevents.Event{Type: simevents.BatchLearned, Payload: map[string]interface{}{
		"batch":      n,
		"batch_size": len(batch),
	}})
	o.log.Infof("Batch learning pass %d over %d experiences", n, len(batch))
}

// surfaceWarnings records new guardrail warnings. Repeats of a retained
// warning are not re-emitted.
func (o *Orchestrator) surfaceWarnings() {
	for _, w := range o.guardrail.Warnings() {
		if !o.addWarning(w) {
			continue
		}
		o.emit(simevents.Event{Type: simevents.GuardrailWarning, Payload: map[string]interface{}{"warning": w}})
		o.warnLog.Do(func() { o.log.Warnf("Guardrail warning: %s", w) })
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (o *Orchestrator) emit(ev simevents.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	o.eventBus.Emit(ev)
}

// Pause makes the loop idle between trials. It has no effect when the loop
// is not running.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if !o.running || o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = true
	o.mu.Unlock()
	o.log.Infof("Simulation paused")
	o.emit(simevents.Event{Type: simevents.Paused})
}

// Resume continues a paused loop.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if !o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = false
	o.mu.Unlock()
	o.log.Infof("Simulation resumed")
	o.emit(simevents.Event{Type: simevents.Resumed})
}

// Stop ends the loop after the in-flight trial, if any, completes.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running || o.stopRequested {
		o.mu.Unlock()
		return
	}
	o.stopRequested = true
	o.mu.Unlock()
	o.log.Infof("Simulation stop requested")
	o.emit(simevents.Event{Type: simevents.StopRequested, Payload: map[string]interface{}{"emergency": false}})
}

// EmergencyStop stops the loop, cancels the in-flight trial and activates the
// guardrail cooldown so a restarted loop does not resume immediately.
func (o *Orchestrator) EmergencyStop(reason string) {
	o.mu.Lock()
	o.stopRequested = o.running
	o.paused = false
	cancel := o.cancelTrial
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.guardrail.ActivateCooldown(0)
	o.addWarning("emergency stop: " + reason)
	o.log.Warnf("Emergency stop: %s", reason)
	o.emit(simevents.Event{Type: simevents.StopRequested, Payload: map[string]interface{}{
		"emergency": true,
		"reason":    reason,
	}})
}

// Status returns a snapshot of the loop state.
func (o *Orchestrator) Status() simloop.Status {
	usage := o.guardrail.Stats()

	o.mu.Lock()
	defer o.mu.Unlock()
	st := simloop.Status{
		State:            simloop.StateIdle,
		Running:          o.running,
		Paused:           o.paused,
		Cooldown:         o.cooldown,
		StopRequested:    o.stopRequested,
		SuccessCount:     o.successCount,
		TotalAttempts:    o.totalAttempts,
		CurrentBatch:     o.currentBatch,
		TargetSuccesses:  o.cfg.TargetSuccesses,
		LastCheckpointID: o.lastCheckpointID,
		Warnings:         append([]string(nil), o.warnings...),
		Errors:           append([]string(nil), o.errs...),
		Guardrail:        usage,
	}
	if o.totalAttempts > 0 {
		st.SuccessRate = float64(o.successCount) / float64(o.totalAttempts)
	}
	if !o.startTime.IsZero() {
		t := o.startTime
		st.StartTime = &t
	}
	switch {
	case o.running && o.paused:
		st.State = simloop.StatePaused
	case o.running:
		st.State = simloop.StateRunning
	}
	return st
}

func (o *Orchestrator) progressLocked() simloop.Progress {
	p := simloop.Progress{
		SuccessCount:    o.successCount,
		TotalAttempts:   o.totalAttempts,
		TargetSuccesses: o.cfg.TargetSuccesses,
	}
	if o.totalAttempts > 0 {
		p.SuccessRate = float64(o.successCount) / float64(o.totalAttempts)
	}
	return p
}

func (o *Orchestrator) setCooldown(v bool) {
	o.mu.Lock()
	o.cooldown = v
	o.mu.Unlock()
}

// addWarning appends msg unless it is already retained. It reports whether
// msg was added.
func (o *Orchestrator) addWarning(msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range o.warnings {
		if w == msg {
			return false
		}
	}
	o.warnings = appendCapped(o.warnings, msg, o.cfg.MaxMessages)
	return true
}

func (o *Orchestrator) addError(msg string) {
	o.mu.Lock()
	o.errs = appendCapped(o.errs, msg, o.cfg.MaxMessages)
	o.mu.Unlock()
}

func appendCapped(list []string, msg string, max int) []string {
	list = append(list, msg)
	if len(list) > max {
		list = append([]string(nil), list[len(list)-max:]...)
	}
	return list
}
