package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
)

// QuantityUpdate is the result of changing a line's quantity.
type QuantityUpdate struct {
	Line     *Line
	Subtotal decimal.Decimal
	Total    decimal.Decimal
}

// Service implements the cart use cases for the authenticated buyer.
type Service struct {
	carts    Repository
	products product.Repository
	cache    Cache
	group    singleflight.Group
	now      func() time.Time

	checkouts metric.Int64Counter
}

// NewService creates a cart Service. cache may be nil.
func NewService(carts Repository, products product.Repository, cache Cache, mp metric.MeterProvider) (*Service, error) {
	checkouts, err := mp.Meter("github.com/xenking/kart-settlement/internal/domain/cart").Int64Counter(
		"settlement.checkouts",
		metric.WithDescription("Carts checked out into open orders"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "checkouts counter")
	}
	if cache == nil {
		cache = nopCache{}
	}
	return &Service{
		carts:     carts,
		products:  products,
		cache:     cache,
		now:       time.Now,
		checkouts: checkouts,
	}, nil
}

// Get returns the actor's cart, reading through the cache. Concurrent
// misses for the same owner share one repository load.
func (s *Service) Get(ctx context.Context, actor auth.Actor) (*Cart, error) {
	if !actor.CanShop() {
		return nil, ErrForbidden
	}

	c, err := s.cache.Get(ctx, actor.ID)
	switch {
	case err == nil:
		return c, nil
	case !errors.Is(err, ErrCacheMiss):
		zctx.From(ctx).Warn("Cart cache read failed", zap.String("owner_id", actor.ID), zap.Error(err))
	}

	v, err, _ := s.group.Do(actor.ID, func() (any, error) {
		// Shared by every waiter, so one caller going away must not fail the rest.
		ctx := context.WithoutCancel(ctx)
		lg := zctx.From(ctx)

		version, verErr := s.cache.Version(ctx, actor.ID)
		if verErr != nil {
			lg.Warn("Cart cache version read failed", zap.String("owner_id", actor.ID), zap.Error(verErr))
		}
		c, err := s.carts.Get(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		if verErr != nil {
			return c, nil
		}
		switch err := s.cache.Set(ctx, c, version); {
		case err == nil:
		case errors.Is(err, ErrCacheStale):
			lg.Debug("Cart changed while loading, not cached", zap.String("owner_id", actor.ID))
		default:
			lg.Warn("Cart cache write failed", zap.String("owner_id", actor.ID), zap.Error(err))
		}
		return c, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	return v.(*Cart), nil
}

// AddItem puts qty of a product into the actor's cart. A new line takes the
// product's current effective price; an existing line only grows. Stock is
// not checked here.
func (s *Service) AddItem(ctx context.Context, actor auth.Actor, productID string, qty int) (*Line, error) {
	if !actor.CanShop() {
		return nil, ErrForbidden
	}
	if !ValidQuantity(qty) {
		return nil, ErrInvalidQuantity
	}

	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	line, err := s.carts.AddLine(ctx, actor.ID, Line{
		ID:          uuid.New().String(),
		ProductID:   p.ID,
		ProductName: p.Name,
		Quantity:    qty,
		UnitPrice:   p.EffectivePrice(),
		AddedAt:     s.now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "add line")
	}
	s.invalidate(ctx, actor.ID)
	return line, nil
}

// UpdateQuantity sets the quantity of one of the actor's lines.
func (s *Service) UpdateQuantity(ctx context.Context, actor auth.Actor, lineID string, qty int) (*QuantityUpdate, error) {
	if !actor.CanShop() {
		return nil, ErrForbidden
	}
	if !ValidQuantity(qty) {
		return nil, ErrInvalidQuantity
	}

	line, err := s.carts.SetQuantity(ctx, actor.ID, lineID, qty)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, actor.ID)

	c, err := s.carts.Get(ctx, actor.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	return &QuantityUpdate{
		Line:     line,
		Subtotal: line.Subtotal(),
		Total:    c.TotalPrice(),
	}, nil
}

// RemoveItem deletes one of the actor's lines and returns the new cart total.
func (s *Service) RemoveItem(ctx context.Context, actor auth.Actor, lineID string) (decimal.Decimal, error) {
	if !actor.CanShop() {
		return decimal.Zero, ErrForbidden
	}
	if err := s.carts.RemoveLine(ctx, actor.ID, lineID); err != nil {
		return decimal.Zero, err
	}
	s.invalidate(ctx, actor.ID)

	c, err := s.carts.Get(ctx, actor.ID)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "load cart")
	}
	return c.TotalPrice(), nil
}

// Checkout turns the actor's cart into an open order and empties the cart.
// The order is neither paid nor completed here.
func (s *Service) Checkout(ctx context.Context, actor auth.Actor) (*order.Order, error) {
	if !actor.CanShop() {
		return nil, ErrForbidden
	}

	o, err := s.carts.Checkout(ctx, actor.ID, func(lines []Line) (Placement, error) {
		if len(lines) == 0 {
			return Placement{}, ErrEmptyCart
		}
		now := s.now()
		o := &order.Order{
			ID:         uuid.New().String(),
			BuyerID:    actor.ID,
			AmountPaid: decimal.Zero,
			Status:     order.StatusOpen,
			Lines:      make([]order.Line, len(lines)),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for i, l := range lines {
			o.Lines[i] = order.Line{
				ProductID:   l.ProductID,
				ProductName: l.ProductName,
				Quantity:    l.Quantity,
				Price:       l.UnitPrice,
			}
		}
		return Placement{Order: o, Events: []order.Event{order.NewPlacedEvent(o, now)}}, nil
	})
	if err != nil {
		if errors.Is(err, ErrEmptyCart) {
			return nil, err
		}
		return nil, errors.Wrap(err, "checkout")
	}
	s.invalidate(ctx, actor.ID)

	s.checkouts.Add(ctx, 1)
	zctx.From(ctx).Info("Cart checked out",
		zap.String("order_id", o.ID),
		zap.Int("lines", len(o.Lines)),
		zap.String("total", o.TotalPrice().StringFixed(2)),
	)
	return o, nil
}

func (s *Service) invalidate(ctx context.Context, ownerID string) {
	if err := s.cache.Invalidate(ctx, ownerID); err != nil {
		zctx.From(ctx).Warn("Cart cache invalidation failed", zap.String("owner_id", ownerID), zap.Error(err))
	}
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*Cart, error)     { return nil, ErrCacheMiss }
func (nopCache) Version(context.Context, string) (int64, error) { return 0, nil }
func (nopCache) Set(context.Context, *Cart, int64) error        { return nil }
func (nopCache) Invalidate(context.Context, string) error      { return nil }
