// Package outbox relays settlement events recorded by the store to Kafka.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/xenking/kart-settlement/internal/domain/order"
)

// Record is a stored event awaiting delivery. Seq orders records within the
// outbox.
type Record struct {
	Seq   int64
	Event order.Event
}

// Store reads and acknowledges pending outbox records.
type Store interface {
	// Pending returns up to limit unsent records, oldest first.
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, seqs []int64) error
	// Backlog counts unsent records.
	Backlog(ctx context.Context) (int, error)
}

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a Publisher.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
	// BreakerFailures is the number of consecutive failed batches that opens
	// the breaker.
	BreakerFailures uint32
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
}

// Publisher polls the outbox and writes pending events to Kafka. Records are
// marked sent only after the whole batch was written, so delivery is at
// least once.
type Publisher struct {
	store   Store
	writer  Writer
	breaker *gobreaker.CircuitBreaker[struct{}]
	lg      *zap.Logger
	opts    Options
}

// NewKafkaWriter returns a writer that routes each message by its own topic.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewPublisher creates a Publisher.
func NewPublisher(store Store, writer Writer, lg *zap.Logger, opts Options) *Publisher {
	opts.setDefaults()
	p := &Publisher{
		store:  store,
		writer: writer,
		lg:     lg,
		opts:   opts,
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "outbox-kafka",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return p
}

// Run flushes the outbox every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.lg.Info("Outbox publisher started", zap.Duration("interval", p.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			p.lg.Info("Outbox publisher stopped")
			return nil
		case <-ticker.C:
			for {
				n, err := p.Flush(ctx)
				if err != nil {
					if !errors.Is(err, gobreaker.ErrOpenState) && ctx.Err() == nil {
						p.lg.Error("Outbox flush failed", zap.Error(err))
					}
					break
				}
				if n < p.opts.BatchSize {
					break
				}
			}
		}
	}
}

// Flush publishes one batch of pending records and returns how many were
// sent.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	records, err := p.store.Pending(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "read pending")
	}
	if len(records) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(records))
	seqs := make([]int64, len(records))
	for i, r := range records {
		msgs[i] = kafka.Message{
			Topic: r.Event.Topic,
			Key:   []byte(r.Event.Key),
			Value: r.Event.Payload,
			Time:  r.Event.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(r.Event.ID)},
				{Key: "event_type", Value: []byte(r.Event.Type)},
			},
		}
		seqs[i] = r.Seq
	}

	if _, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.writer.WriteMessages(ctx, msgs...)
	}); err != nil {
		return 0, errors.Wrap(err, "write messages")
	}

	if err := p.store.MarkSent(ctx, seqs); err != nil {
		return 0, errors.Wrap(err, "mark sent")
	}
	p.lg.Debug("Outbox batch published", zap.Int("count", len(records)))
	return len(records), nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
