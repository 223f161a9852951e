// Package app wires the decision loop together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"quantor/internal/config"
	"quantor/internal/executor"
	"quantor/internal/journal"
	"quantor/internal/logger"
	"quantor/internal/scheduler"
	approvalhttp "quantor/internal/transport/http/approval"
)

// App 负责应用级编排：配置→依赖→调度循环与审批服务。
type App struct {
	cfg     *config.Config
	engine  *Engine
	coord   *executor.Coordinator
	journal *journal.Journal
	traces  *journal.TraceStore
	httpSrv *approvalhttp.Server
}

// New builds the application from configuration without starting it.
func New(cfg *config.Config, opts ...BuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return NewBuilder(cfg, opts...).Build()
}

// Run starts the approval server and the cycle loop, blocking until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	interval, ok := scheduler.ParseInterval(a.cfg.Market.Interval)
	if !ok {
		return fmt.Errorf("invalid market interval %q", a.cfg.Market.Interval)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.httpSrv.Start(); err != nil {
			return fmt.Errorf("approval server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		sched := scheduler.NewAligned(interval, 5*time.Second)
		sched.RunImmediately = a.cfg.App.Env != "production"
		sched.Run(ctx, func() { a.engine.Cycle(ctx) })
		return nil
	})

	logger.Infof("quantor running: %d assets, interval %s, mode %s",
		len(a.cfg.Market.Assets), a.cfg.Market.Interval, a.cfg.Execution.Mode)

	err := group.Wait()
	a.journal.Close()
	if a.traces != nil {
		a.traces.CloseTraces()
	}
	return err
}

// Coordinator exposes the executor for operational tooling and tests.
func (a *App) Coordinator() *executor.Coordinator { return a.coord }
