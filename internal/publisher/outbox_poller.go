// Package publisher drains the order event outbox to Kafka and sweeps the
// checkout session ledger for sessions that need recovery or expiry.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/sessions"
	"github.com/segmentio/kafka-go"
)

const batchSize = 100

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderLookup finds the order created for a payment reference.
type OrderLookup interface {
	FindByPaymentRef(ctx context.Context, ref string) (*domain.Order, error)
}

type Options struct {
	Timeout      time.Duration
	EventTick    time.Duration
	RecoveryTick time.Duration
	// StuckAfter is how long a session may sit in PAYMENT_COMPLETED before
	// recovery takes it over.
	StuckAfter time.Duration
	// SessionTTL is how long a session may wait for a payment outcome.
	SessionTTL time.Duration
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	stuckAfter   time.Duration
	sessionTTL   time.Duration
	repo         sessions.Repository
	orders       OrderLookup
	writer       MessageWriter
	logger       *slog.Logger
	now          func() time.Time
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

func NewOutboxPoller(repo sessions.Repository, orders OrderLookup, writer MessageWriter, logger *slog.Logger, opts Options) *OutboxPoller {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.EventTick <= 0 {
		opts.EventTick = time.Second
	}
	if opts.RecoveryTick <= 0 {
		opts.RecoveryTick = 30 * time.Second
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 5 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &OutboxPoller{
		timeout:      opts.Timeout,
		eventTick:    opts.EventTick,
		recoveryTick: opts.RecoveryTick,
		stuckAfter:   opts.StuckAfter,
		sessionTTL:   opts.SessionTTL,
		repo:         repo,
		orders:       orders,
		writer:       writer,
		logger:       logger,
		now:          time.Now,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckSessions(ctx)
			p.expireStaleSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	events, err := p.repo.GetUnprocessedEvents(ctx, batchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch outbox events", slog.Any("error", err))
		return
	}

	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.logger.WarnContext(ctx, "failed to publish event",
				slog.String("event_id", event.ID), slog.Any("error", err))
			continue
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.WarnContext(ctx, "failed to mark event as processed",
				slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}
}

// recoverStuckSessions finishes sessions whose payment was confirmed but whose
// completion was never recorded, for example when the process died between
// the order commit and the ledger update.
func (p *OutboxPoller) recoverStuckSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stuck, err := p.repo.GetStuckSessions(ctx, p.now().Add(-p.stuckAfter))
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to get stuck sessions", slog.Any("error", err))
		return
	}

	for _, sess := range stuck {
		log := p.logger.With(slog.String("reference", sess.Reference))

		order, err := p.orders.FindByPaymentRef(ctx, sess.Reference)
		if errors.Is(err, domain.ErrNotFound) {
			if _, err := p.repo.Transition(ctx, sess.Reference, domain.CheckoutStatusFailed, "payment confirmed but no order was created"); err != nil {
				log.WarnContext(ctx, "failed to fail stuck session", slog.Any("error", err))
				continue
			}
			log.ErrorContext(ctx, "paid session has no order, needs refund")
			continue
		}
		if err != nil {
			log.WarnContext(ctx, "failed to look up order for stuck session", slog.Any("error", err))
			continue
		}

		event, err := sessions.NewOrderCreatedEvent(order)
		if err != nil {
			log.WarnContext(ctx, "failed to build order event", slog.Any("error", err))
			continue
		}
		if err := p.repo.Complete(ctx, sess.Reference, order.ID.Hex(), event); err != nil {
			log.WarnContext(ctx, "failed to complete stuck session", slog.Any("error", err))
			continue
		}
		log.InfoContext(ctx, "session recovered", slog.String("order_id", order.ID.Hex()))
	}
}

func (p *OutboxPoller) expireStaleSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	n, err := p.repo.ExpireStale(ctx, p.now().Add(-p.sessionTTL))
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to expire stale sessions", slog.Any("error", err))
		return
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "expired stale checkout sessions", slog.Int64("count", n))
	}
}

func (p *OutboxPoller) publish(ctx context.Context, event *sessions.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	return p.writer.WriteMessages(ctx, msg)
}

// LogWriter stands in for Kafka when no brokers are configured: events are
// logged and then marked processed.
type LogWriter struct {
	Logger *slog.Logger
}

func (w LogWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		w.Logger.InfoContext(ctx, "order event",
			slog.String("key", string(m.Key)),
			slog.String("payload", string(m.Value)))
	}
	return nil
}

func (LogWriter) Close() error { return nil }
