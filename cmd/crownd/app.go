package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/basket/crownd/internal/audit"
	"github.com/basket/crownd/internal/bus"
	"github.com/basket/crownd/internal/config"
	"github.com/basket/crownd/internal/crown"
	"github.com/basket/crownd/internal/diffsource"
	"github.com/basket/crownd/internal/engine"
	otelPkg "github.com/basket/crownd/internal/otel"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/safety"
	"github.com/basket/crownd/internal/telemetry"
)

// app is the wired runtime shared by serve and the one-shot commands.
type app struct {
	snap     *config.Snapshot
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	svc      *crown.Service
	metrics  *otelPkg.Metrics
	provider *otelPkg.Provider

	closers []func() error
}

func (a *app) cfg() config.Config { return a.snap.Current() }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

type appOptions struct {
	home string
	// quiet sends logs to the log file only.
	quiet bool
	// generate replaces the model call; tests use it to avoid the network.
	generate engine.GenerateFunc
	// diffs replaces the sandbox and compare sources.
	diffs diffsource.Source
}

func loadConfig(home string) (config.Config, error) {
	if home != "" {
		return config.LoadFrom(home)
	}
	return config.Load()
}

func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := loadConfig(opts.home)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	a := &app{snap: config.NewSnapshot(cfg)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	a.closers = append(a.closers, audit.Close)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger

	// No-op when disabled.
	otelCfg := cfg.OTel
	otelCfg.ServiceVersion = Version
	a.provider, err = otelPkg.Init(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.provider.Shutdown(sctx)
	})
	a.metrics, err = otelPkg.NewMetrics(a.provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	a.bus = bus.New()
	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	a.store.SetLeaseDuration(time.Duration(cfg.LeaseSeconds) * time.Second)
	audit.SetDB(a.store.DB())
	a.closers = append(a.closers, func() error { audit.SetDB(nil); return nil })

	diffs := opts.diffs
	if diffs == nil {
		diffs = a.diffSource(cfg)
	}

	breakers := engine.NewBreakers(cfg.Failover.Threshold, time.Duration(cfg.Failover.CooldownSeconds)*time.Second)
	breakers.SetLogger(logger)
	breakers.SetKVStore(a.store)
	breakers.Load(ctx, cfg.Crown.Providers...)

	gateway := engine.NewGenkitGateway(engine.GatewayOptions{
		Breakers: breakers,
		Logger:   logger,
		Metrics:  a.metrics,
		Tracer:   a.provider.Tracer,
		Generate: opts.generate,
	})

	a.svc = crown.NewService(a.store, crown.Options{
		Collector: &crown.Collector{
			Runs:          a.store,
			Diffs:         diffs,
			MaxDiffTokens: cfg.Crown.MaxDiffTokens,
			Screen:        safety.NewScreener(),
			Logger:        logger,
		},
		Evaluator:   &crown.Evaluator{Gateway: gateway, Logger: logger},
		Summarizer:  &crown.Summarizer{Gateway: gateway, Logger: logger},
		Preferences: preferencesFunc(a.snap),
		Settings:    settingsFrom(cfg),
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.provider.Tracer,
	})
	return a, nil
}

// diffSource chains the live sandbox ahead of the compare API. A Docker
// daemon that cannot be reached only removes the sandbox source.
func (a *app) diffSource(cfg config.Config) diffsource.Source {
	var sources []diffsource.Source
	if cfg.Sandbox.Enabled {
		exec, err := diffsource.NewDockerExecutor(cfg.Sandbox.Host)
		if err != nil {
			a.logger.Warn("sandbox diff source disabled", "error", err)
		} else {
			a.closers = append(a.closers, exec.Close)
			sources = append(sources, &diffsource.SandboxSource{Exec: exec, Workdir: cfg.Sandbox.Workdir})
		}
	}
	sources = append(sources, diffsource.NewCompareSource(diffsource.CompareOptions{
		BaseURL:       cfg.Compare.BaseURL,
		Token:         cfg.Compare.Token,
		RatePerSecond: cfg.Compare.RatePerSecond,
		Burst:         cfg.Compare.Burst,
		Timeout:       time.Duration(cfg.Compare.TimeoutSeconds) * time.Second,
	}))
	return &diffsource.ChainSource{Sources: sources, Logger: a.logger, Metrics: a.metrics}
}

// preferencesFunc reads the live snapshot on every call, so a config reload
// takes effect on the next model invocation.
func preferencesFunc(snap *config.Snapshot) crown.PreferencesFunc {
	return func(purpose string) engine.ModelPreferences {
		cfg := snap.Current()
		prompt := cfg.Crown.JudgeSystemPrompt
		if purpose == "summary" {
			prompt = cfg.Crown.SummarySystemPrompt
		}
		return engine.ModelPreferences{
			Harness:      cfg.Crown.Harness,
			Providers:    slices.Clone(cfg.Crown.Providers),
			Models:       cfg.ProviderModels(),
			BaseURLs:     cfg.ProviderBaseURLs(),
			SystemPrompt: prompt,
			APIKeys:      cfg.APIKeys(),
		}
	}
}

func settingsFrom(cfg config.Config) crown.Settings {
	c := cfg.Crown
	return crown.Settings{
		RetryCooldown:               time.Duration(c.RetryCooldownSeconds) * time.Second,
		StaleThreshold:              time.Duration(c.StaleThresholdMinutes) * time.Minute,
		MissingEvaluationAge:        time.Duration(c.MissingEvaluationAgeMinutes) * time.Minute,
		MissingEvaluationMaxRetries: c.MissingEvaluationMaxRetries,
		AutoRefreshCap:              c.AutoRefreshCap,
		AutoRefreshLookback:         time.Duration(c.AutoRefreshLookbackHours) * time.Hour,
	}
}

// withApp builds the runtime, runs fn and tears it down.
func withApp(ctx context.Context, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}
