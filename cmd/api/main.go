package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/app"
	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/httpx"
	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/shutdown"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	"github.com/ariefcatur/order-fulfillment/internal/workflow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.MustNew(logging.Options{
		Service: cfg.App.Name,
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		File:    cfg.App.LogFile,
	})
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()
	ctx = logging.ContextWithLogger(ctx, logger)

	flushTraces, err := tracing.Init(cfg.App.Name, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		logger.Fatal("tracing init", zap.Error(err))
	}

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("infra", zap.Error(err))
	}
	defer infra.Close()

	broker, err := app.OpenBroker(cfg)
	if err != nil {
		logger.Fatal("broker", zap.Error(err))
	}
	defer broker.Close()

	stages := workflow.NewStages(infra.Store, app.Gateway(cfg), broker.Events)
	reg := stages.Registry(app.Policies(cfg))
	exec := workflow.NewExecutor(infra.Ledger(), broker.DeadLetters)

	g, gctx := errgroup.WithContext(ctx)

	// local: worker pool satu proses dengan API; selain itu API hanya publish chain
	var runner workflow.Runner
	var pool *workflow.Pool
	if broker.Transport == nil {
		pool = workflow.NewPool(exec, cfg.Broker.Workers, cfg.Broker.QueueSize)
		pool.Start(gctx)
		runner = pool
	} else {
		runner = workflow.NewBrokerRunner(broker.Transport, exec, reg)
	}
	orch := workflow.NewOrchestrator(runner, reg, cfg.Workflow.Budget)

	svc := orders.NewService(infra.Store, orch)
	svc.Events = broker.Events

	router := httpx.NewRouter(logger)
	oh := &httpx.OrdersHandler{Service: svc, Reader: infra.Store, Cache: infra.StatusCache()}
	oh.Register(router)

	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http_listening", zap.String("addr", cfg.App.HTTPAddr), zap.String("broker", cfg.Broker.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting_down")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("api_exit", zap.Error(err))
	}
	if pool != nil {
		pool.Stop()
	}
	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer fcancel()
	if err := flushTraces(fctx); err != nil {
		logger.Warn("tracing_flush", zap.Error(err))
	}
}
