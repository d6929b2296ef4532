package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
)

const (
	ensureCartSQL = `INSERT INTO carts (owner_id) VALUES ($1) ON CONFLICT (owner_id) DO NOTHING`

	getCartSQL = `SELECT owner_id, created_at, updated_at FROM carts WHERE owner_id = $1`

	touchCartSQL = `UPDATE carts SET updated_at = now() WHERE owner_id = $1`

	// Serializes AddLine against Checkout for one owner.
	lockCartSQL = `SELECT owner_id FROM carts WHERE owner_id = $1 FOR UPDATE`

	cartLineColumns = `id, product_id, product_name, quantity, unit_price, added_at`

	cartLinesSQL = `SELECT ` + cartLineColumns + ` FROM cart_lines WHERE owner_id = $1 ORDER BY added_at, id`

	lockCartLinesSQL = cartLinesSQL + ` FOR UPDATE`

	upsertCartLineSQL = `INSERT INTO cart_lines (id, owner_id, product_id, product_name, quantity, unit_price, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, product_id) DO UPDATE SET quantity = cart_lines.quantity + EXCLUDED.quantity
		WHERE cart_lines.quantity::bigint + EXCLUDED.quantity <= $8
		RETURNING ` + cartLineColumns

	setCartLineQuantitySQL = `UPDATE cart_lines SET quantity = $3 WHERE id = $1 AND owner_id = $2
		RETURNING ` + cartLineColumns

	deleteCartLineSQL = `DELETE FROM cart_lines WHERE id = $1 AND owner_id = $2`

	clearCartLinesSQL = `DELETE FROM cart_lines WHERE owner_id = $1 AND id = ANY($2)`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Get returns the owner's cart, creating it on first access.
func (r *CartRepository) Get(ctx context.Context, ownerID string) (*cart.Cart, error) {
	if _, err := r.pool.Exec(ctx, ensureCartSQL, ownerID); err != nil {
		return nil, fmt.Errorf("ensuring cart of %q: %w", ownerID, err)
	}

	c := &cart.Cart{}
	if err := r.pool.QueryRow(ctx, getCartSQL, ownerID).Scan(&c.OwnerID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("getting cart of %q: %w", ownerID, err)
	}

	rows, err := r.pool.Query(ctx, cartLinesSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("getting cart lines of %q: %w", ownerID, err)
	}
	if c.Lines, err = pgx.CollectRows(rows, scanCartLine); err != nil {
		return nil, fmt.Errorf("getting cart lines of %q: %w", ownerID, err)
	}
	return c, nil
}

// AddLine inserts a line or grows the existing line for the same product.
// It waits for a checkout of the same cart to finish, so a line is either
// part of that order or stays in the cart.
func (r *CartRepository) AddLine(ctx context.Context, ownerID string, l cart.Line) (*cart.Line, error) {
	var out cart.Line
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureCartSQL, ownerID); err != nil {
			return fmt.Errorf("ensuring cart of %q: %w", ownerID, err)
		}
		if _, err := tx.Exec(ctx, lockCartSQL, ownerID); err != nil {
			return fmt.Errorf("locking cart of %q: %w", ownerID, err)
		}
		rows, err := tx.Query(ctx, upsertCartLineSQL,
			l.ID, ownerID, l.ProductID, l.ProductName, l.Quantity, l.UnitPrice, l.AddedAt, int64(cart.MaxQuantity),
		)
		if err != nil {
			return fmt.Errorf("adding cart line: %w", err)
		}
		if out, err = pgx.CollectExactlyOneRow(rows, scanCartLine); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// The conflict guard rejected the merged quantity.
				return cart.ErrInvalidQuantity
			}
			return fmt.Errorf("adding cart line: %w", err)
		}
		if _, err := tx.Exec(ctx, touchCartSQL, ownerID); err != nil {
			return fmt.Errorf("touching cart of %q: %w", ownerID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetQuantity replaces the quantity of one of the owner's lines.
func (r *CartRepository) SetQuantity(ctx context.Context, ownerID, lineID string, qty int) (*cart.Line, error) {
	rows, err := r.pool.Query(ctx, setCartLineQuantitySQL, lineID, ownerID, qty)
	if err != nil {
		return nil, fmt.Errorf("updating cart line %q: %w", lineID, err)
	}
	l, err := pgx.CollectExactlyOneRow(rows, scanCartLine)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("updating cart line %q: %w", lineID, err)
	}
	return &l, nil
}

// RemoveLine deletes one of the owner's lines.
func (r *CartRepository) RemoveLine(ctx context.Context, ownerID, lineID string) error {
	tag, err := r.pool.Exec(ctx, deleteCartLineSQL, lineID, ownerID)
	if err != nil {
		return fmt.Errorf("deleting cart line %q: %w", lineID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrNotFound
	}
	return nil
}

// Checkout locks the owner's cart and lines, stores the order built by
// place with its events and deletes exactly the lines it placed, all in one
// transaction.
func (r *CartRepository) Checkout(ctx context.Context, ownerID string, place cart.PlaceFunc) (*order.Order, error) {
	var placed *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockCartSQL, ownerID); err != nil {
			return fmt.Errorf("locking cart of %q: %w", ownerID, err)
		}
		rows, err := tx.Query(ctx, lockCartLinesSQL, ownerID)
		if err != nil {
			return fmt.Errorf("locking cart lines of %q: %w", ownerID, err)
		}
		lines, err := pgx.CollectRows(rows, scanCartLine)
		if err != nil {
			return fmt.Errorf("locking cart lines of %q: %w", ownerID, err)
		}

		p, err := place(lines)
		if err != nil {
			return err
		}
		if err := insertOrder(ctx, tx, p.Order); err != nil {
			return err
		}
		if err := insertEvents(ctx, tx, p.Events); err != nil {
			return err
		}
		ids := make([]string, len(lines))
		for i, l := range lines {
			ids[i] = l.ID
		}
		if _, err := tx.Exec(ctx, clearCartLinesSQL, ownerID, ids); err != nil {
			return fmt.Errorf("clearing cart of %q: %w", ownerID, err)
		}
		if _, err := tx.Exec(ctx, touchCartSQL, ownerID); err != nil {
			return fmt.Errorf("touching cart of %q: %w", ownerID, err)
		}
		placed = p.Order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var l cart.Line
	err := row.Scan(&l.ID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice, &l.AddedAt)
	return l, err
}
