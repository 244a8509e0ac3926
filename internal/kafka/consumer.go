package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers}
}

// Start reads until ctx is cancelled. All messages of a partition go to the
// same worker and are handled in offset order. A failed message is retried in
// place, so a later commit on its partition can never skip it.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()
	log := logging.FromContext(ctx).With(zap.String("topic", c.r.Config().Topic))

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 4)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if !c.process(ctx, log, h, m) {
					// shutdown: sisa pesan tidak di-commit, akan di-fetch ulang
					for range in {
					}
					return
				}
			}
		}(lanes[i])
	}
	stop := func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			// kecilkan noise saat shutdown
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%len(lanes)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// process handles m and commits it, retrying with backoff until both succeed.
// It returns false when ctx ends first.
func (c *Consumer) process(ctx context.Context, log *zap.Logger, h Handler, m kafka.Message) bool {
	backoff := 200 * time.Millisecond
	handled := false
	for {
		var err error
		if !handled {
			err = h(tracing.ExtractKafkaHeaders(ctx, m.Headers), m)
			handled = err == nil
		}
		if handled {
			// commit on success
			if err = c.r.CommitMessages(ctx, m); err == nil {
				return true
			}
		}
		if ctx.Err() != nil {
			return false
		}
		log.Warn("consumer_message_retry",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Bool("handled", handled),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}
