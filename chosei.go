// Package chosei is the public API for embedding the chosei index tuner.
//
// Callers construct an App, then either run the loop until cancelled or run
// single cycles:
//
//	app, err := chosei.New(
//	    chosei.WithVersion(version),
//	    chosei.WithLogger(logger),
//	    chosei.WithEventSink(mySink{}),
//	)
//	if err != nil { ... }
//	defer app.Close(ctx)
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: chosei (root) imports
// internal/*, but internal/* never imports chosei (root). Public types
// (Target, Record, etc.) are standalone structs with no internal imports;
// conversion helpers live in convert.go.
package chosei

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/chosei/internal/actuate"
	"github.com/ashita-ai/chosei/internal/config"
	"github.com/ashita-ai/chosei/internal/decide"
	"github.com/ashita-ai/chosei/internal/embedding"
	"github.com/ashita-ai/chosei/internal/loop"
	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/planparse"
	"github.com/ashita-ai/chosei/internal/profile"
	"github.com/ashita-ai/chosei/internal/ratelimit"
	"github.com/ashita-ai/chosei/internal/registry"
	"github.com/ashita-ai/chosei/internal/storage"
	"github.com/ashita-ai/chosei/internal/storage/sqlitestore"
	"github.com/ashita-ai/chosei/internal/telemetry"
	"github.com/ashita-ai/chosei/internal/vectorstore"
	"github.com/ashita-ai/chosei/internal/verify"
	"github.com/ashita-ai/chosei/migrations"
)

// ErrNoNotifications is returned by Tail when the registry cannot publish
// record notifications (only the postgres registry can).
var ErrNoNotifications = errors.New("chosei: record notifications need the postgres registry")

// App is the tuner lifecycle. Construct with New(), run with Run() or
// RunOnce(), release with Close().
type App struct {
	cfg          config.Config
	targets      []model.Target
	reg          registry.Registry
	db           *storage.DB // nil unless the registry is postgres
	store        *vectorstore.Store
	profiles     *profile.Cache
	actuator     *actuate.Actuator
	ctrl         *loop.Controller
	metrics      *loop.PrometheusSink
	events       *eventSinkAdapter
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the tuned database and the registry, runs registry
// migrations, imports manually created vector indexes and wires the loop.
// It does NOT start any goroutines that tune; call Run() or RunOnce().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		// The registry follows the tuned database unless it was set apart.
		if cfg.RegistryURL == cfg.DatabaseURL {
			cfg.RegistryURL = o.databaseURL
		}
		cfg.DatabaseURL = o.databaseURL
	}
	if o.registryBackend != "" {
		cfg.RegistryBackend = o.registryBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	targets, err := resolveTargets(cfg, o.targets)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	logger.Info("chosei starting", "version", version, "targets", len(targets),
		"registry", cfg.RegistryBackend, "strategy", cfg.DecisionStrategy)

	var cleanup []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanup = append(cleanup, func() { _ = otelShutdown(context.Background()) })

	store, err := vectorstore.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fail(fmt.Errorf("vector store: %w", err))
	}
	cleanup = append(cleanup, store.Close)

	reg, db, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("registry: %w", err))
	}
	cleanup = append(cleanup, func() { _ = reg.Close() })

	embedder, err := embedding.Select(ctx, embedding.Kind(cfg.EmbeddingProvider),
		cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions, logger)
	if err != nil {
		return fail(err)
	}

	profiles := profile.NewCache(store, cfg.ProfileTTL)
	cleanup = append(cleanup, profiles.Close)

	actuator := actuate.New(store, reg, actuate.Config{BuildTimeout: cfg.BuildTimeout}, logger)
	sampler := loop.NewProbeSampler(store, embedder)

	otelSink, err := loop.NewOTelSink()
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	metrics := loop.NewPrometheusSink()
	sinks := []loop.Sink{loop.LogSink{Logger: logger}, otelSink, metrics}
	var events *eventSinkAdapter
	if len(o.eventSinks) > 0 {
		events = &eventSinkAdapter{sinks: o.eventSinks, logger: logger}
		sinks = append(sinks, events)
	}

	limiter := newLimiter(cfg)
	cleanup = append(cleanup, func() { _ = limiter.Close() })

	ctrl, err := loop.New(targets, loop.Deps{
		Registry: reg,
		Sampler:  recordingSampler{sampler: sampler, reg: reg, logger: logger},
		Profiles: profiles,
		Engine:   newEngine(cfg, o, limiter, logger),
		Actuator: actuator,
		Verifier: verify.New(sampler, verify.Config{
			Trials:  cfg.VerifyTrials,
			Settle:  cfg.VerifySettle,
			Epsilon: cfg.ImprovementEpsilon,
		}),
		Sinks:  sinks,
		Logger: logger,
	}, loop.Config{
		CycleInterval:        cfg.CycleInterval,
		MinCycleGap:          cfg.MinCycleGap,
		HistoryWindow:        cfg.HistoryWindow,
		HistoryLimit:         cfg.HistoryLimit,
		MaxConcurrentActions: cfg.MaxConcurrentActions,
		ActionTimeout:        cfg.ActionTimeout,
		RollbackOnRegression: cfg.RollbackOnRegression,
	})
	if err != nil {
		return fail(err)
	}

	app := &App{
		cfg:          cfg,
		targets:      targets,
		reg:          reg,
		db:           db,
		store:        store,
		profiles:     profiles,
		actuator:     actuator,
		ctrl:         ctrl,
		metrics:      metrics,
		events:       events,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	app.importManualIndexes(ctx)
	return app, nil
}

func resolveTargets(cfg config.Config, override []Target) ([]model.Target, error) {
	if len(override) == 0 {
		return cfg.Targets()
	}
	targets := make([]model.Target, len(override))
	for i, t := range override {
		targets[i] = toModelTarget(t)
	}
	return config.NormalizeTargets(targets)
}

func openRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (registry.Registry, *storage.DB, error) {
	switch strings.ToLower(cfg.RegistryBackend) {
	case "memory":
		logger.Warn("registry: in-memory, history is lost on exit")
		return registry.NewMemory(), nil, nil
	case "sqlite":
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("registry: sqlite", "path", cfg.SQLitePath)
		return s, nil, nil
	}
	db, err := storage.New(ctx, cfg.RegistryURL, cfg.RegistryURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("registry: postgres")
	return db, db, nil
}

// newLimiter paces inference backend calls per target.
func newLimiter(cfg config.Config) ratelimit.Limiter {
	if cfg.DecisionInterval <= 0 {
		return ratelimit.NoopLimiter{}
	}
	return ratelimit.NewMemoryLimiter(cfg.DecisionInterval, cfg.DecisionBurst)
}

func newEngine(cfg config.Config, o resolvedOptions, limiter ratelimit.Limiter, logger *slog.Logger) decide.Engine {
	dcfg := decide.Config{
		LatencyThresholdMs: cfg.LatencyThresholdMs,
		MinRowsExamined:    int64(cfg.MinRowsExamined),
		IVFFlatMaxRows:     int64(cfg.IVFFlatMaxRows),
		IVFFlatLists:       cfg.IVFFlatLists,
		HNSWM:              cfg.HNSWM,
		HNSWEfConstruction: cfg.HNSWEfConstruction,
		Cooldown:           cfg.Cooldown,
	}
	rules := decide.NewRules(dcfg)

	var engine decide.Engine = rules
	switch {
	case o.strategy != nil:
		engine = strategyAdapter{s: o.strategy}
	case o.backend != nil:
		engine = decide.NewInference(o.backend, rules, dcfg, planparse.DefaultThresholds, logger).WithLimiter(limiter)
	case strings.EqualFold(cfg.DecisionStrategy, "ollama"):
		backend := decide.NewOllamaBackend(cfg.OllamaURL, cfg.OllamaModel, cfg.Temperature, maxDecisionTokens)
		engine = decide.NewInference(backend, rules, dcfg, planparse.DefaultThresholds, logger).WithLimiter(limiter)
	case strings.EqualFold(cfg.DecisionStrategy, "openai"):
		backend := decide.NewOpenAIBackend("", cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Temperature, maxDecisionTokens)
		engine = decide.NewInference(backend, rules, dcfg, planparse.DefaultThresholds, logger).WithLimiter(limiter)
	}
	return decide.WithCooldown(engine, cfg.Cooldown)
}

// maxDecisionTokens caps a completion; the reply format needs three short lines.
const maxDecisionTokens = 256

// recordingSampler retains every before sample in the registry. Verification
// samples are stored with their record.
type recordingSampler struct {
	sampler loop.Sampler
	reg     registry.Registry
	logger  *slog.Logger
}

func (s recordingSampler) Sample(ctx context.Context, t model.Target) (model.PerformanceSample, error) {
	smp, err := s.sampler.Sample(ctx, t)
	if err != nil {
		return smp, err
	}
	smp = registry.NormalizeSample(smp)
	if err := s.reg.AppendSample(ctx, smp); err != nil {
		s.logger.Warn("registry: append sample", "target_id", t.ID, "error", err)
	}
	return smp, nil
}

// importManualIndexes registers vector indexes that exist on target columns
// but are unknown to the registry, so the actuator treats them as manual and
// never drops them. Failures are logged only.
func (a *App) importManualIndexes(ctx context.Context) {
	for _, t := range a.targets {
		entries, err := a.store.ListVectorIndexes(ctx, t)
		if err != nil {
			a.logger.Warn("index import failed", "target_id", t.ID, "error", err)
			continue
		}
		for _, e := range entries {
			_, err := a.reg.GetIndex(ctx, e.IndexName)
			if err == nil {
				continue
			}
			if !errors.Is(err, registry.ErrNotFound) {
				a.logger.Warn("index import failed", "target_id", t.ID, "index", e.IndexName, "error", err)
				continue
			}
			e.CreatedAt = time.Now().UTC()
			if err := a.reg.RegisterIndex(ctx, e); err != nil && !errors.Is(err, registry.ErrDuplicate) {
				a.logger.Warn("index import failed", "target_id", t.ID, "index", e.IndexName, "error", err)
				continue
			}
			a.logger.Info("imported manual index", "target_id", t.ID, "index", e.IndexName, "type", e.IndexType)
		}
	}
}

// Targets returns the targets the App tunes.
func (a *App) Targets() []Target {
	out := make([]Target, len(a.targets))
	for i, t := range a.targets {
		out[i] = toPublicTarget(t)
	}
	return out
}

// Run tunes every target until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.ctrl.Run(ctx)
}

// RunOnce runs one cycle for every target and returns the records in target
// order.
func (a *App) RunOnce(ctx context.Context) ([]Record, error) {
	recs, err := a.ctrl.RunOnce(ctx)
	return toPublicRecords(recs), err
}

// History returns up to limit of the most recent records for targetID,
// oldest first. limit <= 0 returns everything.
func (a *App) History(ctx context.Context, targetID string, limit int) ([]Record, error) {
	recs, err := a.reg.History(ctx, targetID, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	return toPublicRecords(recs), nil
}

// Indexes returns registry entries for targetID, or for every target when
// targetID is empty.
func (a *App) Indexes(ctx context.Context, targetID string) ([]IndexEntry, error) {
	entries, err := a.reg.ListIndexes(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return toPublicIndexes(entries), nil
}

// Summary aggregates every record, sample and index the registry holds for
// the App's targets. recent bounds Summary.Recent.
func (a *App) Summary(ctx context.Context, recent int) (Summary, error) {
	var records []model.ActionRecord
	for _, t := range a.targets {
		recs, err := a.reg.History(ctx, t.ID, time.Time{}, 0)
		if err != nil {
			return Summary{}, err
		}
		records = append(records, recs...)
	}
	samples, err := a.reg.Samples(ctx, "", time.Time{}, 0)
	if err != nil {
		return Summary{}, err
	}
	indexes, err := a.reg.ListIndexes(ctx, "")
	if err != nil {
		return Summary{}, err
	}
	return toPublicSummary(registry.Summarize(records, samples, indexes, recent)), nil
}

// Clean drops every live index the tuner created, including active ones,
// and returns their names. Manual indexes are never touched.
func (a *App) Clean(ctx context.Context) ([]string, error) {
	var (
		dropped []string
		errs    []error
	)
	for _, t := range a.targets {
		entries, err := a.reg.ListIndexes(ctx, t.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.CreatedBy != model.CreatedByAgent || !e.Live() {
				continue
			}
			if err := a.actuator.Clean(ctx, t, e.IndexName); err != nil {
				errs = append(errs, err)
				continue
			}
			dropped = append(dropped, e.IndexName)
		}
		a.profiles.Invalidate(t.ID)
	}
	return dropped, errors.Join(errs...)
}

// Tail calls fn for every record any tuner process appends to the shared
// registry, until ctx is cancelled.
func (a *App) Tail(ctx context.Context, fn func(Event)) error {
	if a.db == nil {
		return ErrNoNotifications
	}
	if err := a.db.Listen(ctx, storage.ChannelActions); err != nil {
		return err
	}
	for {
		n, err := a.db.WaitForAction(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(Event{
			TargetID:         n.TargetID,
			Kind:             n.Kind,
			IndexType:        n.IndexType,
			Success:          n.Success,
			Outcome:          n.Outcome,
			ImprovementRatio: n.ImprovementRatio,
			Timestamp:        n.AppliedAt,
		})
	}
}

// MetricsHandler serves record metrics in the Prometheus exposition format.
func (a *App) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// Close waits for in-flight event sinks and releases every connection.
func (a *App) Close(ctx context.Context) error {
	if a.events != nil {
		a.events.Wait()
	}
	a.profiles.Close()
	a.store.Close()
	errs := []error{a.reg.Close(), a.limiter.Close()}
	if err := a.otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}
