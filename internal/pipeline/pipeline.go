// Package pipeline wires the netpanic stages onto bus topics and runs
// them as one process.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/analyze"
	"github.com/netpanic/netpanic/internal/bus"
	"github.com/netpanic/netpanic/internal/core"
	"github.com/netpanic/netpanic/internal/detect"
	"github.com/netpanic/netpanic/internal/ingest"
	"github.com/netpanic/netpanic/internal/metrics"
	"github.com/netpanic/netpanic/internal/normalize"
	"github.com/netpanic/netpanic/internal/ratelimit"
	"github.com/netpanic/netpanic/internal/spool"
	"github.com/netpanic/netpanic/internal/store"
)

// Pipeline owns every stage plus the bus and store they share.
type Pipeline struct {
	Config     *core.Config
	Bus        core.Bus
	Store      core.Store
	Metrics    *metrics.Pipeline
	Spool      core.Spool
	Ingest     *ingest.Service
	Normalizer *normalize.Engine
	Detector   *detect.Engine
	Analyzer   *analyze.Engine
	Logger     zerolog.Logger

	batcher    *detect.Batcher
	receiver   *ingest.Server
	metricsSrv *metrics.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds every stage from cfg. Nothing listens or subscribes until
// Start.
func New(cfg *core.Config, logger zerolog.Logger) (*Pipeline, error) {
	b, err := bus.Open(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("opening bus: %w", err)
	}
	p, err := NewWithBus(cfg, b, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	return p, nil
}

// NewWithBus is New over an existing bus.
func NewWithBus(cfg *core.Config, b core.Bus, logger zerolog.Logger) (*Pipeline, error) {
	st, err := store.Open(cfg.Store, b)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	contract, err := analyze.LoadContract(cfg.Analyzer.PromptVersion)
	if err != nil {
		return nil, err
	}

	var llm analyze.LLM
	if cfg.Analyzer.LLM.Enabled() {
		adapter, err := analyze.NewOpenAIAdapter(cfg.Analyzer.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring LLM: %w", err)
		}
		llm = adapter
	} else {
		logger.Info().Msg("no LLM configured, insights use rule-based fallback")
	}

	var sp core.Spool
	if cfg.Ingress.SpoolEnabled {
		disk, err := spool.NewDisk(cfg.Ingress.SpoolDir, logger)
		if err != nil {
			return nil, fmt.Errorf("opening spool: %w", err)
		}
		sp = disk
	}

	var limiter ingest.Limiter
	if !cfg.Ingress.DisableRateLimit {
		limiter = ratelimit.New(cfg.Ingress.RateLimitPerSec, cfg.Ingress.RateLimitBurst)
	}

	m := metrics.New()
	p := &Pipeline{
		Config:  cfg,
		Bus:     b,
		Store:   st,
		Metrics: m,
		Spool:   sp,
		Ingest: ingest.NewService(b, ingest.Options{
			MaxLineLength: cfg.Ingress.MaxLineLength,
			Limiter:       limiter,
			Spool:         sp,
			Metrics:       m,
		}, logger),
		Normalizer: normalize.NewEngine(b, cfg.Normalizer, m, logger),
		Detector:   detect.NewEngine(b, detect.DefaultRules(cfg.Detector.Rules), m, logger),
		Analyzer:   analyze.NewEngine(b, contract, llm, cfg.Analyzer, m, logger),
		Logger:     logger.With().Str("component", "pipeline").Logger(),
	}
	p.batcher = detect.NewBatcher(cfg.Detector, p.flushBatch, logger)
	p.Detector.UseBatcher(p.batcher)
	return p, nil
}

func (p *Pipeline) flushBatch(ctx context.Context, events []core.NormalizedEvent) {
	if _, err := p.Detector.Process(ctx, events); err != nil {
		p.Logger.Error().Err(err).Int("events", len(events)).Msg("detector batch failed")
	}
}

// Start subscribes every stage and starts the syslog receiver, the
// metrics endpoint and the spool purge loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	subs := []struct {
		topic string
		h     core.Handler
	}{
		{core.TopicRawSyslog, p.Normalizer.Process},
		{core.TopicNormalized, p.Detector.Handle},
		{core.TopicFindings, p.analyzeFinding},
		{core.TopicFindings, p.persist(store.CollectionFindings, "finding_id")},
		{p.Analyzer.InsightTopic(), p.persist(store.CollectionInsights, "insight_id")},
	}
	for _, s := range subs {
		if err := p.Bus.Subscribe(p.ctx, s.topic, s.h); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}

	if p.Config.Metrics.Addr != "" {
		p.metricsSrv = metrics.NewServer(p.Config.Metrics.Addr, p.Metrics, p.Logger)
		p.metricsSrv.Start()
	}

	if p.Spool != nil && p.Config.Ingress.SpoolTTL() > 0 {
		p.wg.Add(1)
		go p.purgeLoop(p.Config.Ingress.PurgeInterval(), p.Config.Ingress.SpoolTTL())
	}

	p.receiver = ingest.NewServer(p.Config.Ingress, p.Ingest, p.Logger)
	if err := p.receiver.Start(p.ctx); err != nil {
		return err
	}

	p.Logger.Info().
		Int("rules", len(p.Detector.Rules())).
		Str("insight_topic", p.Analyzer.InsightTopic()).
		Bool("spool", p.Spool != nil).
		Msg("netpanic pipeline started")
	return nil
}

func (p *Pipeline) analyzeFinding(ctx context.Context, data []byte) error {
	_, err := p.Analyzer.Process(ctx, data)
	return err
}

// persist upserts each record under its id field. Records without one are
// left to the stage DLQs.
func (p *Pipeline) persist(collection, idField string) core.Handler {
	return func(ctx context.Context, data []byte) error {
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			p.Logger.Debug().Err(err).Str("collection", collection).Msg("not persisting undecodable record")
			return nil
		}
		id, _ := rec[idField].(string)
		if id == "" {
			p.Logger.Debug().Str("collection", collection).Msgf("record has no %s, not persisting", idField)
			return nil
		}
		if err := p.Store.Put(ctx, collection, id, data); err != nil {
			return fmt.Errorf("persisting %s %s: %w", collection, id, err)
		}
		return nil
	}
}

func (p *Pipeline) purgeLoop(every, ttl time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Spool.PurgeExpired(ttl)
			if err != nil {
				p.Logger.Error().Err(err).Msg("spool purge failed")
				continue
			}
			if n > 0 {
				p.Logger.Info().Int("purged", n).Dur("ttl", ttl).Msg("expired spool files purged")
			}
		}
	}
}

// Flush hands every buffered detector batch to the detection engine now.
func (p *Pipeline) Flush() {
	p.batcher.Flush()
}

// Health reports every stage.
func (p *Pipeline) Health() []core.Health {
	return []core.Health{
		p.Ingest.Health(),
		p.Normalizer.Health(),
		p.Detector.Health(),
		p.Analyzer.Health(),
	}
}

// Run starts the pipeline and blocks until SIGINT, SIGTERM or ctx is
// cancelled, then stops it.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		p.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		p.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-p.ctx.Done():
		p.Logger.Info().Msg("context cancelled")
	}

	p.Stop()
	return nil
}

// Stop closes the receiver, flushes buffered batches through the stages
// and closes the bus. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.Logger.Info().Msg("shutting down netpanic pipeline")

		if p.receiver != nil {
			p.receiver.Stop()
		}
		p.batcher.Stop()

		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		if p.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.metricsSrv.Stop(ctx); err != nil {
				p.Logger.Error().Err(err).Msg("error stopping metrics endpoint")
			}
			cancel()
		}

		if err := p.Bus.Close(); err != nil {
			p.Logger.Error().Err(err).Msg("error closing event bus")
		}
		p.Logger.Info().Msg("netpanic pipeline stopped")
	})
}
