package main

import (
	"context"
	"log"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/app"
	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/shutdown"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	"github.com/ariefcatur/order-fulfillment/internal/workflow"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Broker.Driver == "local" {
		log.Fatalf("worker needs broker.driver kafka or rabbitmq; local runs inside the api")
	}
	logger := logging.MustNew(logging.Options{
		Service: cfg.App.Name + "-worker",
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		File:    cfg.App.LogFile,
	})
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()
	ctx = logging.ContextWithLogger(ctx, logger)

	flushTraces, err := tracing.Init(cfg.App.Name+"-worker", cfg.Tracing.JaegerEndpoint)
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
	runner := workflow.NewBrokerRunner(broker.Transport, exec, reg)

	logger.Info("worker_started",
		zap.String("broker", cfg.Broker.Driver),
		zap.Int("workers", cfg.Broker.Workers),
		zap.String("compensation", cfg.Workflow.Compensation),
	)
	if err := broker.Consume(ctx, runner); err != nil {
		logger.Error("consumer_exit", zap.Error(err))
	}
	logger.Info("worker_stopped")

	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer fcancel()
	if err := flushTraces(fctx); err != nil {
		logger.Warn("tracing_flush", zap.Error(err))
	}
}
