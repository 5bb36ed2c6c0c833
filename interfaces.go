package chosei

import "context"

// DecisionBackend generates text for the inference strategy.
// When provided via WithDecisionBackend, it replaces the configured
// Ollama/OpenAI backend; replies must follow the ACTION/REASONING/
// EXPECTED_IMPROVEMENT format or the cycle records a NO_OP.
type DecisionBackend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Strategy decides what to do about one sample.
// When provided via WithStrategy, it replaces the built-in rules and
// inference strategies. The cooldown guard still wraps it, and the actuator
// still validates whatever it returns.
type Strategy interface {
	Decide(ctx context.Context, in DecisionInput) (Action, error)
}

// EventSink receives one Event per recorded cycle.
// Multiple sinks may be registered via multiple WithEventSink calls.
// Sink methods run in goroutines and must not block indefinitely.
// Failures are logged and never affect the loop.
type EventSink interface {
	OnEvent(ctx context.Context, event Event) error
}
