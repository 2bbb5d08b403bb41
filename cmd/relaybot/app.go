package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/agent"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/memory"
	"relaybot/internal/metrics"
	"relaybot/internal/provider"
	"relaybot/internal/security"
	"relaybot/internal/tool"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Collector
	validator *security.Validator
	registry  *tool.Registry
	store     domain.ThreadStore
	sqlite    *memory.SQLiteStore // nil for the memory driver
	orch      *agent.Orchestrator
	closers   []io.Closer
}

type appOptions struct {
	// backend replaces the configured backend chain (tests use scripted ones).
	backend domain.Backend
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if err := os.MkdirAll(cfg.Security.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	validator, err := security.NewValidator(security.Policy{
		Root:              cfg.Security.Root,
		AllowedExtensions: cfg.Security.AllowedExtensions,
		MaxBytes:          cfg.Security.MaxFileBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}
	a.validator = validator

	filter := tool.NewFilter(cfg.Tools.Enabled, cfg.Tools.Disabled)
	if unknown := filter.Unknown(tool.BuiltinNames()); len(unknown) > 0 {
		logger.Warn("tool filter names unknown capabilities", "names", strings.Join(unknown, ", "))
	}
	a.registry = tool.NewRegistry(logger)
	err = tool.RegisterBuiltins(a.registry, tool.BuiltinConfig{
		Validator:      validator,
		SearchEndpoint: cfg.Tools.SearchEndpoint,
		HTTPClient:     provider.SharedHTTPClient(time.Duration(cfg.Tools.TimeoutSeconds) * time.Second),
		Filter:         filter,
	})
	if err != nil {
		return nil, err
	}
	a.registry.Seal()

	if err := a.openStore(); err != nil {
		return nil, err
	}

	var audit domain.AuditLogger
	if cfg.Security.AuditLog && a.sqlite != nil {
		audit = a.sqlite
	}
	dispatcher := dispatch.New(dispatch.Config{
		Catalog:   a.registry,
		Validator: validator,
		Timeout:   time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		Audit:     audit,
		Metrics:   a.metrics,
		Logger:    logger,
	})

	policy, err := memory.ParseBusyPolicy(cfg.General.BusyPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	backend := opts.backend
	if backend == nil {
		factory := provider.NewFactory(provider.PromptConfig{Workspace: validator.Root()}, logger)
		backend, err = factory.BuildChain(cfg.Backend, cfg.Fallbacks)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("backend: %w", err)
		}
	}

	var limiter *agent.RateLimiter
	if cfg.General.RatePerMinute > 0 {
		limiter = agent.NewRateLimiter(max(1, int(cfg.General.RatePerMinute/6)), cfg.General.RatePerMinute)
	}

	a.orch = agent.New(agent.Config{
		Backend:     backend,
		Store:       a.store,
		Dispatcher:  dispatcher,
		Catalog:     a.registry,
		Threads:     memory.NewThreads(policy),
		Budget:      cfg.General.LoopBudget,
		MaxParallel: cfg.General.MaxParallel,
		RateLimiter: limiter,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Memory.Driver {
	case "memory":
		a.store = memory.NewStore()
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(a.cfg.Memory.DBPath), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
		store, err := memory.NewSQLiteStore(a.cfg.Memory.DBPath, a.logger)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		a.store = store
		a.sqlite = store
		a.closers = append(a.closers, store)
	default:
		return fmt.Errorf("unknown memory driver %q", a.cfg.Memory.Driver)
	}
	return nil
}

// pairing builds the pairing service, persisting pairings when SQLite is used.
func (a *app) pairing() *security.PairingService {
	cfg := security.PairingConfig{
		Required: a.cfg.Channels.Pairing.Required,
		TTLDays:  a.cfg.Channels.Pairing.TTLDays,
		Logger:   a.logger,
	}
	if a.sqlite != nil {
		cfg.Store = a.sqlite
	}
	return security.NewPairingService(cfg)
}

// checkBackend logs whether the backend answers a health probe.
func (a *app) checkBackend(ctx context.Context) error {
	hc, ok := a.orch.Backend().(domain.HealthChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hc.Healthy(ctx); err != nil {
		a.logger.Warn("backend unhealthy at startup", "backend", a.orch.Backend().Name(), "error", err)
		return err
	}
	a.logger.Info("backend healthy", "backend", a.orch.Backend().Name())
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
