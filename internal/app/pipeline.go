package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/dispatch"
	"alertflow/internal/evaluator"
	"alertflow/internal/logging"
	"alertflow/internal/metricsource"
	"alertflow/internal/notify"
	"alertflow/internal/notifyqueue"
	"alertflow/internal/orchestrator"
	"alertflow/internal/state"
)

// Pipeline owns evaluation and notification components built from one config snapshot.
// Params: metric provider, repositories, delivery registry, dispatcher, orchestrator, and dead-letter sink.
// Returns: process-independent alerting core; Service adds transports and scheduling.
type Pipeline struct {
	cfg    config.Config
	clock  clock.Clock
	logger *slog.Logger

	window       *metricsource.Window
	metrics      metricsource.Provider
	alerts       state.AlertStore
	rules        *state.ConfigRules
	channels     *state.ConfigChannels
	templates    *state.ConfigTemplates
	registry     *notify.Registry
	deadLetter   notifyqueue.DeadLetter
	dispatcher   *dispatch.Dispatcher
	orchestrator *orchestrator.Orchestrator
}

// NewPipeline builds and initializes pipeline components.
// Params: context for initial cache load, validated config, clock, and logger.
// Returns: ready pipeline or first construction/validation error.
func NewPipeline(ctx context.Context, cfg config.Config, clk clock.Clock, logger *slog.Logger) (*Pipeline, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{cfg: cfg, clock: clk, logger: logger}

	if err := p.buildMetricsSource(); err != nil {
		return nil, err
	}

	renderer := notify.NewRenderer()
	p.registry = notify.NewDefaultRegistry(
		time.Duration(cfg.Dispatcher.DeliveryTimeoutSec)*time.Second,
		cfg.Dispatcher.TelegramAPIBase,
		notify.NewRateLimiter(clk),
		renderer,
		clk,
		logging.Component(logger, "registry"),
	)
	if err := p.buildRepositories(); err != nil {
		return nil, err
	}

	alerts, err := buildAlertStore(cfg)
	if err != nil {
		return nil, err
	}
	p.alerts = alerts

	deadLetter, err := buildDeadLetter(cfg)
	if err != nil {
		_ = p.alerts.Close()
		return nil, err
	}
	p.deadLetter = deadLetter

	p.dispatcher = dispatch.New(
		dispatch.OptionsFromConfig(cfg.Dispatcher),
		p.registry,
		p.channels,
		p.templates,
		renderer,
		p.deadLetter,
		clk,
		logging.Component(logger, "dispatcher"),
	)
	eval := evaluator.New(p.metrics, nil, clk, logging.Component(logger, "evaluator"))
	p.orchestrator = orchestrator.New(
		eval,
		p.alerts,
		p.rules,
		p.dispatcher,
		orchestrator.OptionsFromConfig(cfg.Evaluation),
		clk,
		logging.Component(logger, "orchestrator"),
	)
	if err := p.orchestrator.Initialize(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// buildMetricsSource selects metric provider by metrics_source.kind.
func (p *Pipeline) buildMetricsSource() error {
	source := p.cfg.MetricsSource
	switch source.Kind {
	case config.MetricsSourcePrometheus:
		provider, err := metricsource.NewPrometheus(
			source.Address,
			time.Duration(source.TimeoutSec)*time.Second,
			p.clock,
			logging.Component(p.logger, "prometheus"),
		)
		if err != nil {
			return err
		}
		p.metrics = provider
	case config.MetricsSourceStatic:
		p.metrics = metricsource.NewStatic(source.Static)
	default:
		p.window = metricsource.NewWindow(time.Duration(source.RetentionSec)*time.Second, p.clock)
		p.metrics = p.window
	}
	return nil
}

// buildRepositories loads config-backed repositories and validates channel configs and templates eagerly.
func (p *Pipeline) buildRepositories() error {
	channels := p.cfg.DomainChannels()
	for _, channel := range channels {
		if !channel.Enabled {
			continue
		}
		if err := p.registry.ValidateChannel(channel); err != nil {
			return err
		}
	}
	templates := p.cfg.DomainTemplates()
	for _, tmpl := range templates {
		if err := notify.ValidateTemplate(tmpl); err != nil {
			return fmt.Errorf("template %q: %w", tmpl.ID, err)
		}
	}
	p.rules = state.NewConfigRules(p.cfg.DomainRules())
	p.channels = state.NewConfigChannels(channels)
	p.templates = state.NewConfigTemplates(templates)
	return nil
}

// RunPass runs one evaluation pass.
// Params: context for evaluation and notification fan-out.
// Returns: pass result.
func (p *Pipeline) RunPass(ctx context.Context) orchestrator.CycleResult {
	return p.orchestrator.EvaluateAndProcessAlerts(ctx)
}

// Orchestrator exposes alert lifecycle coordinator.
func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator {
	return p.orchestrator
}

// Dispatcher exposes notification dispatcher.
func (p *Pipeline) Dispatcher() *dispatch.Dispatcher {
	return p.dispatcher
}

// Window returns ingest-fed metric window, or nil when another provider is configured.
func (p *Pipeline) Window() *metricsource.Window {
	return p.window
}

// Close releases store and dead-letter connections.
// Params: none.
// Returns: joined close errors.
func (p *Pipeline) Close() error {
	var errs []error
	if p.deadLetter != nil {
		if err := p.deadLetter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead-letter close: %w", err))
		}
	}
	if p.alerts != nil {
		if err := p.alerts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("alert store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildAlertStore creates alert repository for service mode.
// Params: root config snapshot.
// Returns: memory store in single mode, NATS KV store otherwise.
func buildAlertStore(cfg config.Config) (state.AlertStore, error) {
	if isSingleMode(cfg) {
		return state.NewMemoryAlertStore(), nil
	}
	return state.NewNATSAlertStore(config.DeriveStateNATSConfig(cfg))
}

// buildDeadLetter creates dead-letter sink; NATS stream when enabled, memory otherwise.
func buildDeadLetter(cfg config.Config) (notifyqueue.DeadLetter, error) {
	dlqCfg := config.DeriveDeadLetterConfig(cfg)
	if !dlqCfg.Enabled {
		return notifyqueue.NewMemoryDeadLetter(), nil
	}
	return notifyqueue.NewNATSDeadLetter(dlqCfg)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
