package cart

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-settlement/internal/domain/order"
)

var (
	// ErrNotFound is returned when a line does not exist in the caller's cart.
	ErrNotFound = errors.New("cart line not found")
	// ErrForbidden is returned when the actor cannot hold a cart.
	ErrForbidden = errors.New("only buyers can use a cart")
	// ErrInvalidQuantity is returned for quantities that are not positive integers.
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	// ErrEmptyCart is returned when checking out a cart without lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCacheMiss is returned by a Cache that holds no entry for an owner.
	ErrCacheMiss = errors.New("cart cache miss")
	// ErrCacheStale is returned by Cache.Set when the owner's entry was
	// invalidated after the cart was loaded.
	ErrCacheStale = errors.New("cart cache entry is stale")
)

// MaxQuantity bounds the quantity of a single line, including the sum of
// repeated additions of the same product.
const MaxQuantity = math.MaxInt32

// Line is one product in a cart. UnitPrice is snapshotted when the product
// is first added and is not refreshed by later additions.
type Line struct {
	ID          string
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	AddedAt     time.Time
}

// Subtotal is Quantity × UnitPrice.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is the pending selection of one buyer. Each product appears on at
// most one line.
type Cart struct {
	OwnerID   string
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalPrice sums the line subtotals; zero for an empty cart.
func (c *Cart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// TotalItems sums the line quantities; zero for an empty cart.
func (c *Cart) TotalItems() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// ParseQuantity parses a user supplied quantity. Only integers in
// [1, MaxQuantity] are accepted.
func ParseQuantity(raw string) (int, error) {
	qty, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !ValidQuantity(qty) {
		return 0, errors.Wrapf(ErrInvalidQuantity, "%q", raw)
	}
	return qty, nil
}

// ValidQuantity reports whether qty can be stored on a line.
func ValidQuantity(qty int) bool {
	return qty >= 1 && qty <= MaxQuantity
}

// Placement is the order built from a cart at checkout together with the
// events recorded alongside it.
type Placement struct {
	Order  *order.Order
	Events []order.Event
}

// PlaceFunc builds the order for the locked lines of a cart being checked
// out. Returning an error aborts checkout and leaves the cart untouched.
type PlaceFunc func(lines []Line) (Placement, error)

// Repository defines cart persistence. Every operation is scoped to the
// owner, so lines of other carts are reported as ErrNotFound.
type Repository interface {
	// Get returns the owner's cart, creating an empty one on first access.
	Get(ctx context.Context, ownerID string) (*Cart, error)
	// AddLine inserts l, or increments the quantity of the owner's existing
	// line for the same product by l.Quantity. It returns the stored line,
	// or ErrInvalidQuantity when the sum would exceed MaxQuantity.
	AddLine(ctx context.Context, ownerID string, l Line) (*Line, error)
	SetQuantity(ctx context.Context, ownerID, lineID string, qty int) (*Line, error)
	RemoveLine(ctx context.Context, ownerID, lineID string) error
	// Checkout locks the owner's lines, persists the placement built by
	// place and deletes every line, all in one transaction.
	Checkout(ctx context.Context, ownerID string, place PlaceFunc) (*order.Order, error)
}

// Cache holds carts between reads. Implementations return ErrCacheMiss
// when an owner has no entry.
//
// Every Invalidate bumps the owner's version. A loader reads Version before
// loading the cart and passes it to Set, which refuses with ErrCacheStale
// when an invalidation happened in between.
type Cache interface {
	Get(ctx context.Context, ownerID string) (*Cart, error)
	Version(ctx context.Context, ownerID string) (int64, error)
	Set(ctx context.Context, c *Cart, version int64) error
	Invalidate(ctx context.Context, ownerID string) error
}
