package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/xenking/kart-settlement/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository over a Store.
type ProductRepository struct {
	s *Store
}

// List returns all products ordered by name.
func (r *ProductRepository) List(_ context.Context) ([]product.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]product.Product, 0, len(r.s.products))
	for _, p := range r.s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b product.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// GetByID returns a single product.
func (r *ProductRepository) GetByID(_ context.Context, id string) (*product.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// GetByIDs returns the products found among ids.
func (r *ProductRepository) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []product.Product
	for _, id := range ids {
		if p, ok := r.s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Upsert inserts or replaces a catalog entry.
func (r *ProductRepository) Upsert(_ context.Context, p product.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now()
	if existing, ok := r.s.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.s.products[p.ID] = p
	return nil
}
