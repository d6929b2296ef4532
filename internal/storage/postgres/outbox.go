package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/outbox"
)

const (
	insertEventSQL = `INSERT INTO outbox (event_id, event_type, topic, key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	pendingEventsSQL = `SELECT seq, event_id, event_type, topic, key, payload, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY seq LIMIT $1`

	markEventsSentSQL = `UPDATE outbox SET sent_at = now() WHERE seq = ANY($1)`

	countPendingSQL = `SELECT count(*) FROM outbox WHERE sent_at IS NULL`
)

var _ outbox.Store = (*OutboxRepository)(nil)

// OutboxRepository reads pending settlement events for the publisher.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Pending returns up to limit unsent events, oldest first.
func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := r.pool.Query(ctx, pendingEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
		var (
			rec outbox.Record
			typ string
		)
		err := row.Scan(&rec.Seq, &rec.Event.ID, &typ, &rec.Event.Topic, &rec.Event.Key,
			&rec.Event.Payload, &rec.Event.CreatedAt)
		rec.Event.Type = order.EventType(typ)
		return rec, err
	})
}

// MarkSent acknowledges delivered events.
func (r *OutboxRepository) MarkSent(ctx context.Context, seqs []int64) error {
	if _, err := r.pool.Exec(ctx, markEventsSentSQL, seqs); err != nil {
		return fmt.Errorf("marking outbox sent: %w", err)
	}
	return nil
}

// Backlog counts undelivered events.
func (r *OutboxRepository) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}
	return n, nil
}

func insertEvents(ctx context.Context, q querier, events []order.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertEventSQL, e.ID, string(e.Type), e.Topic, e.Key, e.Payload, e.CreatedAt)
	}
	if err := sendBatch(ctx, q, batch); err != nil {
		return fmt.Errorf("writing outbox: %w", err)
	}
	return nil
}
