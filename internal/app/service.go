package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/ingest"
	"alertflow/internal/logging"
	"alertflow/internal/state"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

const shutdownTimeout = 10 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot, pipeline core, transports, and evaluation scheduler.
// Returns: runnable alertflow service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	pipeline  *Pipeline
	scheduler *cron.Cron
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	purgeSub  interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(ctx context.Context, source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}
	return newServiceWithLogger(ctx, cfg, clk, logger, closeLog)
}

func newServiceWithLogger(ctx context.Context, cfg config.Config, clk clock.Clock, logger *slog.Logger, closeLog func()) (*Service, error) {
	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}

	pipeline, err := NewPipeline(ctx, cfg, clk, logger)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.pipeline = pipeline

	steps := []func() error{
		service.buildScheduler,
		service.buildHTTPServer,
		service.buildNATSSubscriber,
		service.buildPurgeConsumer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	logger.Info("service initialized",
		"mode", config.NormalizeServiceMode(cfg.Service.Mode),
		"metrics_source", cfg.MetricsSource.Kind,
		"rules", len(cfg.Rule),
		"channels", len(cfg.Channel),
	)
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	s.pipeline.Dispatcher().Start(runCtx)
	s.scheduler.Start()
	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.shutdown()
	}
}

// shutdown stops intake first, then scheduling and delivery, then storage.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	select {
	case <-s.scheduler.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("evaluation pass still running at shutdown")
	}
	s.pipeline.Dispatcher().Stop()
	if s.purgeSub != nil {
		if err := s.purgeSub.Close(); err != nil {
			s.logger.Error("purge consumer close failed", "error", err.Error())
			markErr(fmt.Errorf("purge consumer close: %w", err))
		}
	}
	if err := s.pipeline.Close(); err != nil {
		s.logger.Error("pipeline close failed", "error", err.Error())
		markErr(err)
	}
	stats := s.pipeline.Dispatcher().Stats()
	s.logger.Info("service stopped",
		"sent", stats.Sent,
		"failed", stats.Failed,
		"rate_limited", stats.RateLimited,
		"queued", stats.QueueSize,
	)
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.purgeSub != nil {
		_ = s.purgeSub.Close()
		s.purgeSub = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.pipeline != nil {
		_ = s.pipeline.Close()
		s.pipeline = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildScheduler registers evaluation pass on configured cron schedule.
// Params: none.
// Returns: schedule parse error.
func (s *Service) buildScheduler() error {
	cronLog := cronLogger{logger: logging.Component(s.logger, "scheduler")}
	s.scheduler = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		),
	)
	_, err := s.scheduler.AddFunc(s.cfg.Evaluation.Schedule, func() {
		result := s.pipeline.RunPass(context.Background())
		if len(result.Created) > 0 || result.Resolved > 0 || result.Escalated > 0 {
			s.logger.Info("evaluation pass applied changes",
				"created", len(result.Created),
				"resolved", result.Resolved,
				"escalated", result.Escalated,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule evaluation %q: %w", s.cfg.Evaluation.Schedule, err)
	}
	return nil
}

// buildHTTPServer wires router with health, readiness, metrics, and ingest endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	if !s.cfg.HTTP.Enabled {
		return nil
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, promhttp.Handler())

	if window := s.pipeline.Window(); window != nil {
		mux.Handle(s.cfg.HTTP.IngestPath, ingest.NewHTTPHandler(window, s.cfg.HTTP.MaxBodyBytes))
	} else {
		s.logger.Info("http ingest disabled", "metrics_source", s.cfg.MetricsSource.Kind)
	}
	return mux
}

// buildNATSSubscriber starts NATS sample ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.NATS.Ingest.Enabled {
		return nil
	}
	window := s.pipeline.Window()
	if window == nil {
		s.logger.Warn("nats ingest ignored, metrics source does not accept samples", "metrics_source", s.cfg.MetricsSource.Kind)
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(config.DeriveIngestNATSConfig(s.cfg), window, logging.Component(s.logger, "ingest"))
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildPurgeConsumer evicts alerts whose KV records expired or were purged.
// Params: none.
// Returns: initialization error when consumer cannot be started.
func (s *Service) buildPurgeConsumer() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	orch := s.pipeline.Orchestrator()
	consumer, err := state.NewPurgeConsumer(config.DeriveStateNATSConfig(s.cfg), func(_ context.Context, alertID, reason string) error {
		if orch.ForgetAlert(alertID) {
			s.logger.Info("purged alert evicted from cache", "alert_id", alertID, "reason", reason)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.purgeSub = consumer
	return nil
}

// cronLogger adapts slog logger to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err.Error()}, keysAndValues...)...)
}
