package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-settlement/internal/domain/order"
)

const (
	orderColumns = `id, buyer_id, amount_paid, status, created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1 = '' OR buyer_id = $1)
		ORDER BY created_at DESC, id`

	orderLinesSQL = `SELECT order_id, product_id, product_name, quantity, price
		FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, line_no`

	insertOrderSQL = `INSERT INTO orders (id, buyer_id, amount_paid, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertOrderLineSQL = `INSERT INTO order_lines (order_id, line_no, product_id, product_name, quantity, price)
		VALUES ($1, $2, $3, $4, $5, $6)`

	updateOrderSQL = `UPDATE orders SET amount_paid = $2, status = $3, updated_at = $4 WHERE id = $1`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Get returns an order with its lines.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderSQL, id)
}

// List returns orders matching filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter order.ListFilter) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, filter.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	lines, err := loadLines(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return orders, nil
}

// Settle locks the order (and optionally its products' stock rows), lets fn
// decide the transition and persists the outcome in the same transaction.
func (r *OrderRepository) Settle(ctx context.Context, id string, lockStockRows bool, fn order.SettleFunc) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, lockOrderSQL, id)
		if err != nil {
			return err
		}

		var levels map[string]int
		if lockStockRows {
			ids := make([]string, 0, len(o.Lines))
			for _, l := range o.Lines {
				ids = append(ids, l.ProductID)
			}
			slices.Sort(ids)
			if levels, err = lockStock(ctx, tx, slices.Compact(ids)); err != nil {
				return err
			}
		}

		mut, err := fn(o, levels)
		if err != nil {
			return err
		}

		for _, d := range mut.Decrements {
			if err := decrementStock(ctx, tx, d.ProductID, d.Quantity); err != nil {
				return err
			}
		}

		if mut.Delete {
			if _, err := tx.Exec(ctx, deleteOrderSQL, id); err != nil {
				return fmt.Errorf("deleting order %q: %w", id, err)
			}
		} else if _, err := tx.Exec(ctx, updateOrderSQL, id, o.AmountPaid, string(o.Status), o.UpdatedAt); err != nil {
			return fmt.Errorf("updating order %q: %w", id, err)
		}

		return insertEvents(ctx, tx, mut.Events)
	})
}

func getOrder(ctx context.Context, q querier, sql, id string) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	lines, err := loadLines(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	o.Lines = lines[id]
	return &o, nil
}

func loadLines(ctx context.Context, q querier, ids []string) (map[string][]order.Line, error) {
	rows, err := q.Query(ctx, orderLinesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting order lines: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]order.Line, len(ids))
	for rows.Next() {
		var (
			orderID string
			l       order.Line
		)
		if err := rows.Scan(&orderID, &l.ProductID, &l.ProductName, &l.Quantity, &l.Price); err != nil {
			return nil, fmt.Errorf("scanning order line: %w", err)
		}
		out[orderID] = append(out[orderID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting order lines: %w", err)
	}
	return out, nil
}

func insertOrder(ctx context.Context, q querier, o *order.Order) error {
	if _, err := q.Exec(ctx, insertOrderSQL,
		o.ID, o.BuyerID, o.AmountPaid, string(o.Status), o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return fmt.Errorf("inserting order %q: %w", o.ID, err)
	}

	batch := &pgx.Batch{}
	for i, l := range o.Lines {
		batch.Queue(insertOrderLineSQL, o.ID, i+1, l.ProductID, l.ProductName, l.Quantity, l.Price)
	}
	if err := sendBatch(ctx, q, batch); err != nil {
		return fmt.Errorf("inserting lines of order %q: %w", o.ID, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.AmountPaid, &status, &o.CreatedAt, &o.UpdatedAt)
	o.Status = order.Status(status)
	return o, err
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func sendBatch(ctx context.Context, q querier, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	sender, ok := q.(batchSender)
	if !ok {
		return errors.New("querier cannot send batches")
	}
	return sender.SendBatch(ctx, b).Close()
}
