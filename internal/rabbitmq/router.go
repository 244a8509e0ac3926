package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Router runs one consumer per registered queue on a single channel.
type Router struct {
	ch            *amqp.Channel
	prefetch      int
	callTimeout   time.Duration
	requeueOnErr  bool
	workers       int
	registrations []registration
}

type registration struct {
	queueName   string
	handler     Handler
	consumerTag string
}

type RouterOption func(*Router)

func WithPrefetch(n int) RouterOption          { return func(r *Router) { r.prefetch = n } }
func WithTimeout(d time.Duration) RouterOption { return func(r *Router) { r.callTimeout = d } }
func WithRequeue(b bool) RouterOption          { return func(r *Router) { r.requeueOnErr = b } }
func WithWorkers(n int) RouterOption           { return func(r *Router) { r.workers = n } }

// NewRouter defaults: prefetch=16, one worker per queue, no per-call timeout,
// requeueOnErr=true.
func NewRouter(ch *amqp.Channel, opts ...RouterOption) *Router {
	r := &Router{ch: ch, prefetch: 16, requeueOnErr: true, workers: 1}
	for _, opt := range opts {
		opt(r)
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	return r
}

func (r *Router) Register(queueName string, h Handler) {
	r.registrations = append(r.registrations, registration{
		queueName:   queueName,
		handler:     h,
		consumerTag: "c_" + queueName,
	})
}

// Run consumes until ctx is cancelled or the channel closes, then waits for
// in-flight deliveries.
func (r *Router) Run(ctx context.Context) error {
	if err := r.ch.Qos(r.prefetch, 0, false); err != nil {
		return err
	}
	log := logging.FromContext(ctx)

	var wg sync.WaitGroup
	for _, reg := range r.registrations {
		deliveries, err := r.ch.Consume(reg.queueName, reg.consumerTag, false, false, false, false, nil)
		if err != nil {
			return err
		}
		qlog := log.With(zap.String("queue", reg.queueName))
		for i := 0; i < r.workers; i++ {
			wg.Add(1)
			go func(reg registration, msgs <-chan amqp.Delivery) {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						_ = r.ch.Cancel(reg.consumerTag, false)
						return
					case d, ok := <-msgs:
						if !ok {
							qlog.Warn("rmq_consumer_stopped")
							return
						}
						r.deliver(ctx, qlog, reg.handler, d)
					}
				}
			}(reg, deliveries)
		}
	}
	wg.Wait()
	return nil
}

func (r *Router) deliver(ctx context.Context, log *zap.Logger, h Handler, d amqp.Delivery) {
	ctx = tracing.ExtractMap(ctx, stringHeaders(d.Headers))
	ctx = logging.ContextWithLogger(ctx, log)
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	err := h.Handle(ctx, d)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrMalformed):
		log.Error("rmq_delivery_dropped", zap.String("rk", d.RoutingKey), zap.Error(err))
		_ = d.Nack(false, false)
	default:
		log.Warn("rmq_handler_error", zap.String("rk", d.RoutingKey), zap.Bool("requeue", r.requeueOnErr), zap.Error(err))
		_ = d.Nack(false, r.requeueOnErr)
	}
}

func stringHeaders(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
