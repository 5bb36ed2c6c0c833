package chosei

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	databaseURL     string
	registryBackend string
	targets         []Target
	backend         DecisionBackend
	strategy        Strategy
	eventSinks      []EventSink
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the database holding the tuned tables (DATABASE_URL env var).
// The postgres registry follows it unless CHOSEI_REGISTRY_URL is set.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRegistryBackend selects "postgres", "sqlite" or "memory" (CHOSEI_REGISTRY_BACKEND env var).
func WithRegistryBackend(kind string) Option {
	return func(o *resolvedOptions) { o.registryBackend = kind }
}

// WithTargets replaces the configured targets.
func WithTargets(targets ...Target) Option {
	return func(o *resolvedOptions) { o.targets = append(o.targets, targets...) }
}

// WithDecisionBackend plugs a text-generation service into the inference strategy.
// The rules strategy stays as its fallback when the backend errors.
func WithDecisionBackend(b DecisionBackend) Option {
	return func(o *resolvedOptions) { o.backend = b }
}

// WithStrategy replaces the decision strategy. Only the last call wins, and
// it takes precedence over WithDecisionBackend.
func WithStrategy(s Strategy) Option {
	return func(o *resolvedOptions) { o.strategy = s }
}

// WithEventSink registers a sink that receives every cycle's Event.
func WithEventSink(s EventSink) Option {
	return func(o *resolvedOptions) { o.eventSinks = append(o.eventSinks, s) }
}
