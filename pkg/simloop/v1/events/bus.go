package events

import "time"

// EventType represents the type of an orchestrator event.
type EventType string

// Standard simloop event types.
const (
	SimulationStart    EventType = "SimulationStart"
	SimulationEnd      EventType = "SimulationEnd"
	TrialStart         EventType = "TrialStart"
	TrialEnd           EventType = "TrialEnd"
	AdmissionDenied    EventType = "AdmissionDenied"    // Guardrail refused a trial slot
	GuardrailWarning   EventType = "GuardrailWarning"   // Soft usage warning surfaced
	CheckpointCreated  EventType = "CheckpointCreated"  // Periodic, final or emergency checkpoint
	CheckpointRestored EventType = "CheckpointRestored" // State restored at loop start
	BatchLearned       EventType = "BatchLearned"
	Paused             EventType = "Paused"
	Resumed            EventType = "Resumed"
	StopRequested      EventType = "StopRequested"
	FatalErrorOccurred EventType = "FatalErrorOccurred" // Main loop terminated by an error
)

// Event represents a significant occurrence within the simulation loop.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// TrialID identifies the trial context, if applicable.
	TrialID string `json:"trial_id,omitempty"`
	// Attempt is the attempt number the event relates to, if applicable.
	Attempt int `json:"attempt,omitempty"`
	// Payload contains event-specific data. Prompts and counters are fine;
	// credentials never are.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing orchestrator events.
type Bus interface {
	// Emit publishes an event to the bus. Implementations must not block the
	// main loop for long.
	Emit(event Event)
}
