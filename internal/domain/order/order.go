package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-settlement/internal/domain/stock"
)

// Status is the settlement state of an order.
type Status string

const (
	// StatusOpen orders accept payments.
	StatusOpen Status = "open"
	// StatusComplete is terminal: stock is committed and no payment is accepted.
	StatusComplete Status = "complete"
)

// MaxAmount is the largest paid amount an order can record. Amounts carry
// at most two decimal places.
var MaxAmount = decimal.RequireFromString("9999999999.99")

// ValidAmount reports whether amount is a positive value in cents that does
// not exceed MaxAmount.
func ValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() &&
		amount.Equal(amount.Truncate(2)) &&
		amount.LessThanOrEqual(MaxAmount)
}

// Order is a checked-out commitment to buy specific quantities at the prices
// snapshotted when the cart was checked out.
type Order struct {
	ID         string
	BuyerID    string
	AmountPaid decimal.Decimal
	Status     Status
	Lines      []Line
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Line is a single immutable order entry.
type Line struct {
	ProductID   string
	ProductName string
	Quantity    int
	Price       decimal.Decimal
}

// Subtotal is Quantity × Price.
func (l Line) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// TotalPrice sums the line subtotals.
func (o *Order) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// AmountDue is TotalPrice − AmountPaid. It is negative when overpaid.
func (o *Order) AmountDue() decimal.Decimal {
	return o.TotalPrice().Sub(o.AmountPaid)
}

// IsPaid reports whether nothing remains due.
func (o *Order) IsPaid() bool {
	return !o.AmountDue().IsPositive()
}

// IsComplete reports whether the order reached its terminal state.
func (o *Order) IsComplete() bool {
	return o.Status == StatusComplete
}

// Requirements returns the stock the order needs at completion.
func (o *Order) Requirements() []stock.Requirement {
	reqs := make([]stock.Requirement, len(o.Lines))
	for i, l := range o.Lines {
		reqs[i] = stock.Requirement{ProductID: l.ProductID, Name: l.ProductName, Quantity: l.Quantity}
	}
	return reqs
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Lines = append([]Line(nil), o.Lines...)
	return &cp
}

// Mutation describes the side effects a settlement step asks the repository
// to persist together with the (possibly modified) order.
type Mutation struct {
	// Delete removes the order and its lines instead of saving it.
	Delete bool
	// Decrements are applied to product stock; each must succeed or the
	// whole step is rolled back.
	Decrements []stock.Decrement
	// Events are appended to the outbox in the same transaction.
	Events []Event
}

// SettleFunc inspects and mutates a locked order. levels holds the locked
// stock of the order's products when the step asked for it, nil otherwise.
// Returning an error rolls the transaction back.
type SettleFunc func(o *Order, levels map[string]int) (Mutation, error)

// ListFilter narrows List results.
type ListFilter struct {
	// BuyerID restricts results to one buyer; empty means all orders.
	BuyerID string
}

// Repository defines persistence operations for orders.
type Repository interface {
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
	// Settle runs fn inside one transaction holding a row lock on the order
	// and, when lockStock is set, on the stock rows of its products (locked
	// in ascending product ID order). The order as left by fn is persisted
	// along with the returned Mutation, atomically.
	Settle(ctx context.Context, id string, lockStock bool, fn SettleFunc) error
}
