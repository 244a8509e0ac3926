// Package app assembles stores, brokers and the workflow from configuration.
// Both binaries share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/httpx"
	kafkax "github.com/ariefcatur/order-fulfillment/internal/kafka"
	"github.com/ariefcatur/order-fulfillment/internal/memstore"
	"github.com/ariefcatur/order-fulfillment/internal/mysql"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/payment"
	"github.com/ariefcatur/order-fulfillment/internal/postgres"
	"github.com/ariefcatur/order-fulfillment/internal/rabbitmq"
	"github.com/ariefcatur/order-fulfillment/internal/redisx"
	"github.com/ariefcatur/order-fulfillment/internal/workflow"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Infra holds the store and the optional Redis client.
type Infra struct {
	Store orders.Store
	Redis *redis.Client

	closers []func()
}

func OpenInfra(ctx context.Context, cfg config.Config, log *zap.Logger) (*Infra, error) {
	in := &Infra{}
	switch cfg.Store.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Store.PostgresDSN, int32(cfg.Store.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		in.closers = append(in.closers, db.Close)
		st := postgres.NewStore(db)
		if cfg.Store.Bootstrap {
			if err := st.EnsureSchema(ctx); err != nil {
				in.Close()
				return nil, fmt.Errorf("schema: %w", err)
			}
		}
		in.Store = st
	case "mysql":
		st, err := mysql.Open(cfg.Store.MySQLDSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("mysql open: %w", err)
		}
		if sqlDB, err := st.DB.DB(); err == nil {
			in.closers = append(in.closers, func() { _ = sqlDB.Close() })
		}
		if cfg.Store.Bootstrap {
			if err := st.EnsureSchema(ctx); err != nil {
				in.Close()
				return nil, fmt.Errorf("schema: %w", err)
			}
		}
		in.Store = st
	case "memory":
		st := memstore.New()
		seedDemo(st)
		in.Store = st
	}

	if cfg.Redis.Addr != "" {
		rdb, err := redisx.New(ctx, redisx.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			in.Close()
			return nil, err
		}
		in.closers = append(in.closers, func() { _ = rdb.Close() })
		in.Redis = rdb
	} else {
		log.Warn("redis_disabled", zap.String("effect", "in-memory stage ledger, no status cache"))
	}
	return in, nil
}

func (in *Infra) Ledger() workflow.Ledger {
	if in.Redis == nil {
		return workflow.NewMemoryLedger()
	}
	return redisx.NewLedger(in.Redis, redisx.TTLDedup)
}

// StatusCache returns nil without Redis.
func (in *Infra) StatusCache() httpx.StatusCache {
	if in.Redis == nil {
		return nil
	}
	return redisx.NewStatusCache(in.Redis, redisx.TTLStatusCache)
}

func (in *Infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

func seedDemo(st *memstore.Store) {
	now := time.Now().UTC()
	st.PutProduct(orders.Product{ID: "p-widget", SKU: "WIDGET-1", Name: "Widget", Stock: 100, PriceCents: 1999, CreatedAt: now, UpdatedAt: now})
	st.PutProduct(orders.Product{ID: "p-gadget", SKU: "GADGET-1", Name: "Gadget", Stock: 10, PriceCents: 4999, CreatedAt: now, UpdatedAt: now})
}

// Broker bundles the outbound side of the configured driver and, for durable
// drivers, a way to consume chain messages.
type Broker struct {
	Transport   workflow.Transport
	DeadLetters workflow.DeadLetterSink
	Events      workflow.EventPublisher
	Consume     func(ctx context.Context, r *workflow.BrokerRunner) error

	closers []func()
}

func (b *Broker) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func OpenBroker(cfg config.Config) (*Broker, error) {
	switch cfg.Broker.Driver {
	case "kafka":
		return openKafka(cfg), nil
	case "rabbitmq":
		return openRabbit(cfg)
	default:
		return &Broker{DeadLetters: &workflow.MemoryDeadLetters{}, Events: workflow.LogPublisher{}}, nil
	}
}

func openKafka(cfg config.Config) *Broker {
	brokers := cfg.KafkaBrokers()
	// producer hidup sampai Close, bukan sampai sinyal: handler yang sedang jalan masih perlu forward
	pctx, cancel := context.WithCancel(context.Background())
	tasks := kafkax.NewProducer(brokers, orders.TopicWorkflowTasks, 0)
	retry := kafkax.NewProducer(brokers, orders.TopicWorkflowRetry, 0)
	dlq := kafkax.NewProducer(brokers, orders.TopicDeadLetter, 0)
	events := kafkax.NewProducer(brokers, orders.TopicOrderEvents, 1024)
	producers := []*kafkax.Producer{tasks, retry, dlq, events}
	for _, p := range producers {
		p.Start(pctx)
	}

	return &Broker{
		Transport:   kafkax.NewTransport(tasks, retry, cfg.App.Name),
		DeadLetters: kafkax.DeadLetters{P: dlq},
		Events:      kafkax.Events{P: events, Producer: cfg.App.Name},
		Consume: func(ctx context.Context, r *workflow.BrokerRunner) error {
			// retry topic punya consumer sendiri: menunggu backoff tidak menahan task baru
			g, gctx := errgroup.WithContext(ctx)
			for _, topic := range []string{orders.TopicWorkflowTasks, orders.TopicWorkflowRetry} {
				c := kafkax.NewConsumer(brokers, cfg.Kafka.GroupID, topic, cfg.Broker.Workers)
				g.Go(func() error { return c.Start(gctx, kafkax.ChainHandler(r)) })
			}
			return g.Wait()
		},
		closers: []func(){func() {
			cancel()
			for _, p := range producers {
				p.WaitClosed()
			}
		}},
	}
}

func openRabbit(cfg config.Config) (*Broker, error) {
	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := rabbitmq.Declare(pubCh); err != nil {
		_ = conn.Close()
		return nil, err
	}
	pub, err := rabbitmq.NewPublisher(pubCh, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Broker{
		Transport:   rabbitmq.Transport{P: pub},
		DeadLetters: rabbitmq.DeadLetters{P: pub},
		Events:      rabbitmq.Events{P: pub, Producer: cfg.App.Name},
		Consume: func(ctx context.Context, r *workflow.BrokerRunner) error {
			ch, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("rabbitmq channel: %w", err)
			}
			defer ch.Close()
			router := rabbitmq.NewRouter(ch,
				rabbitmq.WithPrefetch(cfg.RabbitMQ.Prefetch),
				rabbitmq.WithWorkers(cfg.Broker.Workers),
			)
			router.Register(rabbitmq.QueueTasks, rabbitmq.ChainHandler(r))
			return router.Run(ctx)
		},
		closers: []func(){func() { _ = conn.Close() }},
	}, nil
}

// Policies maps config onto the workflow retry and compensation policies.
func Policies(cfg config.Config) workflow.Policies {
	unit := cfg.Workflow.BackoffUnit
	if unit <= 0 {
		unit = time.Second
	}
	p := workflow.DefaultPolicies(unit)
	p.Compensation = workflow.CompensationPolicy(cfg.Workflow.Compensation)
	return p
}

func Gateway(cfg config.Config) payment.Gateway {
	return payment.NewSimulator(
		payment.WithTimeoutRate(cfg.Payment.TimeoutRate),
		payment.WithDeclineRate(cfg.Payment.DeclineRate),
		payment.WithLatency(cfg.Payment.Latency),
	)
}
