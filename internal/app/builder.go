package app

import (
	"fmt"
	"strings"
	"time"

	"quantor/internal/config"
	"quantor/internal/consensus"
	"quantor/internal/evaluator"
	"quantor/internal/executor"
	"quantor/internal/gateway/binance"
	"quantor/internal/gateway/exchange"
	"quantor/internal/gateway/provider"
	"quantor/internal/journal"
	"quantor/internal/pkg/circuit"
	"quantor/internal/risk"
	"quantor/internal/snapshot"
	approvalhttp "quantor/internal/transport/http/approval"
)

// Builder assembles the application graph step by step. Dependencies are
// swappable for tests via the override fields.
type Builder struct {
	cfg *config.Config

	exchangeOverride exchange.Adapter
	sourceOverride   snapshot.MarketSource
	reasonerOverride provider.Reasoner
}

type BuilderOption func(*Builder)

// WithExchange 替换交易所适配器，测试用。
func WithExchange(a exchange.Adapter) BuilderOption {
	return func(b *Builder) { b.exchangeOverride = a }
}

// WithMarketSource 替换行情源，测试用。
func WithMarketSource(s snapshot.MarketSource) BuilderOption {
	return func(b *Builder) { b.sourceOverride = s }
}

// WithReasoner 替换推理服务，测试用。
func WithReasoner(r provider.Reasoner) BuilderOption {
	return func(b *Builder) { b.reasonerOverride = r }
}

func NewBuilder(cfg *config.Config, opts ...BuilderOption) *Builder {
	b := &Builder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build wires the full application.
func (b *Builder) Build() (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	exch := b.exchangeOverride
	if exch == nil {
		exch = binance.NewAdapter(cfg.Exchange)
	}
	source := b.sourceOverride
	if source == nil {
		source = binance.NewSource(time.Duration(cfg.Market.FetchTimeoutSeconds) * time.Second)
	}
	assembler := snapshot.NewAssembler(source, exch, cfg.Market)

	reasoner := b.reasonerOverride
	if reasoner == nil {
		reasoner = &provider.OpenAIChatClient{
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
			Model:   cfg.Provider.Model,
			Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		}
	}
	breaker := circuit.NewBreaker("provider",
		cfg.Provider.BreakerThreshold,
		time.Duration(cfg.Provider.BreakerCooldownSeconds)*time.Second)

	profiles, err := evaluator.NewRegistry(cfg.Evaluator.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("profile registry init failed: %w", err)
	}
	roster, err := buildRoster(cfg.Evaluator, profiles, reasoner, breaker)
	if err != nil {
		return nil, err
	}
	pool := evaluator.NewPool(roster, time.Duration(cfg.Evaluator.TimeoutSeconds)*time.Second)

	perf := consensus.NewPerformanceLedger(cfg.Consensus.PerfDecay)
	arbiter := consensus.NewArbiter(cfg.Consensus, perf)
	sizer := risk.NewSizer(cfg.Risk)

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	traces, err := journal.OpenTraceStore(cfg.Journal.TracePath)
	if err != nil {
		return nil, err
	}
	for _, ev := range roster {
		if pe, ok := ev.(*evaluator.ProfileEvaluator); ok {
			pe.WithTrace(traces)
		}
	}
	coord := executor.NewCoordinator(exch, cfg.Execution, jnl)

	httpSrv, err := approvalhttp.NewServer(cfg.App.HTTPAddr, coord, traces)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		cfg:       cfg,
		assembler: assembler,
		pool:      pool,
		profiles:  profiles,
		arbiter:   arbiter,
		perf:      perf,
		sizer:     sizer,
		coord:     coord,
		journal:   jnl,
		window:    risk.NewReturnWindow(0),
	}
	return &App{
		cfg:     cfg,
		engine:  engine,
		coord:   coord,
		journal: jnl,
		traces:  traces,
		httpSrv: httpSrv,
	}, nil
}

// buildRoster instantiates one evaluator per registered profile, minus
// the disabled ones.
func buildRoster(cfg config.EvaluatorConfig, profiles *evaluator.Registry, rsn provider.Reasoner, br *circuit.Breaker) ([]evaluator.Evaluator, error) {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, id := range cfg.Disabled {
		disabled[strings.ToLower(strings.TrimSpace(id))] = true
	}
	var roster []evaluator.Evaluator
	for _, id := range profiles.IDs() {
		if disabled[id] {
			continue
		}
		roster = append(roster, evaluator.NewProfileEvaluator(id, profiles, rsn, br))
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("evaluator roster is empty")
	}
	return roster, nil
}
