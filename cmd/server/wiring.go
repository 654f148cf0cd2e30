package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/adapters/llm"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/planner"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/store"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/trace"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/validator"
)

// replyCacheTTL bounds how long identical planning rounds are replayed.
const replyCacheTTL = 5 * time.Minute

// models holds the genkit-backed collaborators. A nil *models means the
// process runs without a reasoning service.
type models struct {
	reasoning  dragonscale.ReasoningService
	summarizer tools.Summarizer
	analyzer   tools.ContentAnalyzer
	replies    io.Closer
}

func newModels(ctx context.Context, cfg dragonscale.Config, logger *zap.Logger) (*models, error) {
	g, err := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel(cfg.ReasoningModel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genkit: %w", err)
	}
	flows := llm.DefineFlows(g, "")

	replies := cache.NewInMemoryCache(replyCacheTTL, cache.WithLogger(logger))
	reasoning, err := llm.NewReasoningAdapter(flows.PlanningRound,
		llm.WithReplyCache(replies),
		llm.WithLogger(logger.Named("reasoning")),
	)
	if err != nil {
		replies.Close()
		return nil, err
	}
	summarizer, err := llm.NewSummarizer(flows.Complete, nil)
	if err != nil {
		replies.Close()
		return nil, err
	}
	analyzer, err := llm.NewAnalyzer(flows.Complete, nil)
	if err != nil {
		replies.Close()
		return nil, err
	}
	return &models{reasoning: reasoning, summarizer: summarizer, analyzer: analyzer, replies: replies}, nil
}

// app is one fully wired engine with its supporting infrastructure.
type app struct {
	cfg       dragonscale.Config
	logger    *zap.Logger
	registry  *dragonscale.Registry
	executor  *executor.ChainExecutor
	validator *validator.ChainValidator
	engine    *dragonscale.DragonScale
	bus       eventbus.EventBus
	collector *trace.Collector
	metrics   *prometheus.Registry

	closers []io.Closer
}

// buildApp wires the data layer, tools, planner, executor and tracing.
// Without models the engine still validates and replays plan files, and
// conversation text is handled by the extractive services.
func buildApp(cfg dragonscale.Config, m *models, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger, metrics: prometheus.NewRegistry()}
	if m != nil && m.replies != nil {
		a.closers = append(a.closers, m.replies)
	}

	seed := store.DefaultSeed()
	if cfg.SeedFile != "" {
		var err error
		if seed, err = store.LoadSeed(cfg.SeedFile); err != nil {
			return nil, a.fail(err)
		}
	}
	data, err := store.New(seed)
	if err != nil {
		return nil, a.fail(err)
	}

	var summarizer tools.Summarizer = store.ExtractiveSummarizer{}
	var analyzer tools.ContentAnalyzer = store.KeywordAnalyzer{}
	if m != nil {
		summarizer, analyzer = m.summarizer, m.analyzer
	}
	a.registry, err = tools.NewRegistry(data.Collaborators(summarizer, analyzer), logger.Named("tools"))
	if err != nil {
		return nil, a.fail(err)
	}

	if cfg.EnableEventBus {
		a.bus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBusBufferSize),
			eventbus.WithWorkerCount(cfg.EventBusWorkerCount),
			eventbus.WithLogger(logger.Named("eventbus")),
		)
		if err := a.attachTraces(); err != nil {
			return nil, a.fail(err)
		}
	}

	metrics := executor.NewMetrics(a.metrics)
	a.executor, err = executor.NewExecutor(a.registry,
		executor.WithMetrics(metrics),
		executor.WithMaxChainLength(cfg.MaxChainLength),
		executor.WithEventBus(a.bus),
		executor.WithLogger(logger.Named("executor")),
	)
	if err != nil {
		return nil, a.fail(err)
	}
	a.validator = validator.New(a.registry, nil)

	if m == nil {
		return a, nil
	}

	plan, err := planner.New(m.reasoning, a.registry,
		planner.WithConfig(cfg),
		planner.WithEventBus(a.bus),
		planner.WithRoundRecorder(metrics),
		planner.WithLogger(logger.Named("planner")),
	)
	if err != nil {
		return nil, a.fail(err)
	}
	opts := []dragonscale.Option{
		dragonscale.WithConfig(cfg),
		dragonscale.WithRegistry(a.registry),
		dragonscale.WithPlanner(plan),
		dragonscale.WithExecutor(a.executor),
		dragonscale.WithValidator(a.validator),
		dragonscale.WithLogger(logger),
	}
	if a.bus != nil {
		opts = append(opts, dragonscale.WithEventBus(a.bus))
	}
	a.engine, err = dragonscale.New(opts...)
	if err != nil {
		return nil, a.fail(err)
	}
	return a, nil
}

func (a *app) attachTraces() error {
	var traces interface {
		dragonscale.Cache
		io.Closer
	}
	if a.cfg.TraceFilePath != "" {
		fc, err := cache.NewFilePersistentCache(a.cfg.TraceTTL, a.cfg.TraceFilePath, cache.WithLogger(a.logger))
		if err != nil {
			return err
		}
		traces = fc
	} else {
		traces = cache.NewInMemoryCache(a.cfg.TraceTTL, cache.WithLogger(a.logger))
	}
	a.closers = append(a.closers, traces)

	collector, err := trace.NewCollector(traces, trace.WithLogger(a.logger.Named("trace")))
	if err != nil {
		return err
	}
	if err := collector.Attach(a.bus); err != nil {
		return err
	}
	a.collector = collector
	return nil
}

func (a *app) fail(err error) error {
	return errors.Join(err, a.Close())
}

// Close stops the engine, drains the bus into the trace store and closes
// the stores.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.collector != nil {
		errs = append(errs, a.collector.Detach())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.engine, a.bus, a.collector, a.closers = nil, nil, nil, nil
	return errors.Join(errs...)
}
