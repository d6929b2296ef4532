package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned by a stock decrement that would take
	// the product's stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Product represents a catalog item available for purchase.
type Product struct {
	ID           string
	Name         string
	Price        decimal.Decimal
	SpecialPrice decimal.NullDecimal
	Stock        int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectivePrice is the price a buyer pays right now: the special price when
// one is set, the list price otherwise.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.SpecialPrice.Valid && !p.SpecialPrice.Decimal.IsZero() {
		return p.SpecialPrice.Decimal
	}
	return p.Price
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
