package memory

import (
	"context"
	"time"

	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository over a Store.
type CartRepository struct {
	s *Store
}

// Get returns a copy of the owner's cart, creating it on first access.
func (r *CartRepository) Get(_ context.Context, ownerID string) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return cloneCart(r.ensure(ownerID)), nil
}

// AddLine inserts l or grows the owner's line for the same product.
func (r *CartRepository) AddLine(_ context.Context, ownerID string, l cart.Line) (*cart.Line, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := r.ensure(ownerID)
	for i := range c.Lines {
		if c.Lines[i].ProductID == l.ProductID {
			if l.Quantity > cart.MaxQuantity-c.Lines[i].Quantity {
				return nil, cart.ErrInvalidQuantity
			}
			c.Lines[i].Quantity += l.Quantity
			c.UpdatedAt = time.Now()
			out := c.Lines[i]
			return &out, nil
		}
	}
	c.Lines = append(c.Lines, l)
	c.UpdatedAt = time.Now()
	return &l, nil
}

// SetQuantity replaces the quantity of one of the owner's lines.
func (r *CartRepository) SetQuantity(_ context.Context, ownerID, lineID string, qty int) (*cart.Line, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.carts[ownerID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines[i].Quantity = qty
			c.UpdatedAt = time.Now()
			out := c.Lines[i]
			return &out, nil
		}
	}
	return nil, cart.ErrNotFound
}

// RemoveLine deletes one of the owner's lines.
func (r *CartRepository) RemoveLine(_ context.Context, ownerID, lineID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.carts[ownerID]
	if !ok {
		return cart.ErrNotFound
	}
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines = append(c.Lines[:i:i], c.Lines[i+1:]...)
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return cart.ErrNotFound
}

// Checkout hands the lines to place and, when it succeeds, stores the
// order with its events and empties the cart. Nothing changes on error.
func (r *CartRepository) Checkout(_ context.Context, ownerID string, place cart.PlaceFunc) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := r.ensure(ownerID)
	p, err := place(append([]cart.Line(nil), c.Lines...))
	if err != nil {
		return nil, err
	}

	r.s.orders[p.Order.ID] = p.Order.Clone()
	r.s.appendEvents(p.Events)
	c.Lines = nil
	c.UpdatedAt = time.Now()
	return p.Order, nil
}

// ensure must be called with mu held.
func (r *CartRepository) ensure(ownerID string) *cart.Cart {
	c, ok := r.s.carts[ownerID]
	if !ok {
		now := time.Now()
		c = &cart.Cart{OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
		r.s.carts[ownerID] = c
	}
	return c
}
