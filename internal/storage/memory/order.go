package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository over a Store.
type OrderRepository struct {
	s *Store
}

// Get returns a copy of the order.
func (r *OrderRepository) Get(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

// List returns orders newest first, restricted to filter.BuyerID when set.
func (r *OrderRepository) List(_ context.Context, filter order.ListFilter) ([]order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]order.Order, 0, len(r.s.orders))
	for _, o := range r.s.orders {
		if filter.BuyerID != "" && o.BuyerID != filter.BuyerID {
			continue
		}
		out = append(out, *o.Clone())
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Settle runs fn on a copy of the order under the store lock and applies
// the returned mutation only if every stock decrement succeeds.
func (r *OrderRepository) Settle(_ context.Context, id string, lockStock bool, fn order.SettleFunc) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o := current.Clone()

	var levels map[string]int
	if lockStock {
		levels = make(map[string]int, len(o.Lines))
		for _, l := range o.Lines {
			if p, ok := r.s.products[l.ProductID]; ok {
				levels[p.ID] = p.Stock
			}
		}
	}

	mut, err := fn(o, levels)
	if err != nil {
		return err
	}

	// Decrements are staged on copies and only swapped in once all succeed.
	staged := make(map[string]product.Product, len(mut.Decrements))
	for _, d := range mut.Decrements {
		p, ok := staged[d.ProductID]
		if !ok {
			if p, ok = r.s.products[d.ProductID]; !ok {
				return fmt.Errorf("decrementing stock of %q: %w", d.ProductID, product.ErrNotFound)
			}
		}
		if p.Stock < d.Quantity {
			return fmt.Errorf("decrementing stock of %q: %w", d.ProductID, product.ErrInsufficientStock)
		}
		p.Stock -= d.Quantity
		p.UpdatedAt = o.UpdatedAt
		staged[d.ProductID] = p
	}

	for pid, p := range staged {
		r.s.products[pid] = p
	}
	if mut.Delete {
		delete(r.s.orders, id)
	} else {
		r.s.orders[id] = o
	}
	r.s.appendEvents(mut.Events)
	return nil
}
