package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/internal/domain/stock"
)

const instrumentationName = "github.com/xenking/kart-settlement/internal/domain/order"

// CompleteResult holds the completed order and the amount paid in excess
// of its total, which completion discards.
type CompleteResult struct {
	Order       *Order
	Overpayment decimal.Decimal
}

// Service runs the settlement state machine over stored orders.
type Service struct {
	orders Repository
	now    func() time.Time
	tracer trace.Tracer

	payments      metric.Int64Counter
	completions   metric.Int64Counter
	cancellations metric.Int64Counter
	rejections    metric.Int64Counter
}

// NewService creates an order Service.
func NewService(orders Repository, mp metric.MeterProvider, tp trace.TracerProvider) (*Service, error) {
	meter := mp.Meter(instrumentationName)
	s := &Service{
		orders: orders,
		now:    time.Now,
		tracer: tp.Tracer(instrumentationName),
	}

	var err error
	if s.payments, err = meter.Int64Counter("settlement.payments",
		metric.WithDescription("Payments applied to open orders"),
	); err != nil {
		return nil, errors.Wrap(err, "payments counter")
	}
	if s.completions, err = meter.Int64Counter("settlement.completions",
		metric.WithDescription("Orders completed with stock committed"),
	); err != nil {
		return nil, errors.Wrap(err, "completions counter")
	}
	if s.cancellations, err = meter.Int64Counter("settlement.cancellations",
		metric.WithDescription("Open orders cancelled"),
	); err != nil {
		return nil, errors.Wrap(err, "cancellations counter")
	}
	if s.rejections, err = meter.Int64Counter("settlement.rejections",
		metric.WithDescription("Settlement operations refused by a precondition"),
	); err != nil {
		return nil, errors.Wrap(err, "rejections counter")
	}
	return s, nil
}

// Get returns an order visible to the actor. Orders of other buyers are
// reported as not found unless the actor is an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != actor.ID && !actor.IsAdmin() {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns every order for admins and the actor's own orders otherwise,
// newest first.
func (s *Service) List(ctx context.Context, actor auth.Actor) ([]Order, error) {
	filter := ListFilter{BuyerID: actor.ID}
	if actor.IsAdmin() {
		filter = ListFilter{}
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// ApplyPayment adds amount to the order's paid amount. Only the buyer may
// pay, and only while the order is open and not yet fully paid.
func (s *Service) ApplyPayment(ctx context.Context, actor auth.Actor, id string, amount decimal.Decimal) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.ApplyPayment",
		trace.WithAttributes(attribute.String("order.id", id)),
	)
	defer span.End()

	var paid *Order
	err := s.orders.Settle(ctx, id, false, func(o *Order, _ map[string]int) (Mutation, error) {
		switch {
		case o.BuyerID != actor.ID:
			return Mutation{}, ErrForbidden
		case o.IsComplete():
			return Mutation{}, ErrAlreadyComplete
		case o.IsPaid():
			return Mutation{}, ErrAlreadyFullyPaid
		case !ValidAmount(amount), !ValidAmount(o.AmountPaid.Add(amount)):
			return Mutation{}, ErrInvalidAmount
		}

		now := s.now()
		o.AmountPaid = o.AmountPaid.Add(amount)
		o.UpdatedAt = now
		paid = o.Clone()
		return Mutation{Events: []Event{NewPaymentAppliedEvent(o, amount, now)}}, nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "apply_payment", err)
	}

	s.payments.Add(ctx, 1)
	zctx.From(ctx).Info("Payment applied",
		zap.String("order_id", id),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("amount_due", paid.AmountDue().StringFixed(2)),
	)
	return paid, nil
}

// Complete commits stock for a fully paid order and marks it complete.
// Only admins may complete orders, never their own. Every product is
// checked before any stock is touched; either all decrements and the
// status change persist, or none do.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id string) (*CompleteResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.Complete",
		trace.WithAttributes(attribute.String("order.id", id)),
	)
	defer span.End()

	if !actor.IsAdmin() {
		return nil, s.fail(ctx, span, "complete", ErrForbidden)
	}

	var res *CompleteResult
	err := s.orders.Settle(ctx, id, true, func(o *Order, levels map[string]int) (Mutation, error) {
		switch {
		case o.IsComplete():
			return Mutation{}, ErrAlreadyComplete
		case o.BuyerID == actor.ID:
			return Mutation{}, ErrSelfCompletionForbidden
		case !o.IsPaid():
			return Mutation{}, ErrInsufficientPayment
		}

		reqs := o.Requirements()
		if err := stock.Check(reqs, levels); err != nil {
			return Mutation{}, err
		}

		now := s.now()
		total := o.TotalPrice()
		overpayment := o.AmountPaid.Sub(total)
		o.AmountPaid = total
		o.Status = StatusComplete
		o.UpdatedAt = now
		res = &CompleteResult{Order: o.Clone(), Overpayment: overpayment}

		return Mutation{
			Decrements: stock.Plan(reqs),
			Events:     []Event{NewCompletedEvent(o, overpayment, now)},
		}, nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "complete", err)
	}

	s.completions.Add(ctx, 1)
	lg := zctx.From(ctx).With(zap.String("order_id", id))
	if res.Overpayment.IsPositive() {
		lg.Warn("Overpayment discarded on completion",
			zap.String("overpayment", res.Overpayment.StringFixed(2)),
		)
	}
	lg.Info("Order completed", zap.String("total", res.Order.TotalPrice().StringFixed(2)))
	return res, nil
}

// Cancel deletes an open order. The buyer or an admin may cancel; stock and
// payments are left untouched.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id string) error {
	ctx, span := s.tracer.Start(ctx, "order.Cancel",
		trace.WithAttributes(attribute.String("order.id", id)),
	)
	defer span.End()

	err := s.orders.Settle(ctx, id, false, func(o *Order, _ map[string]int) (Mutation, error) {
		switch {
		case o.BuyerID != actor.ID && !actor.IsAdmin():
			return Mutation{}, ErrForbidden
		case o.IsComplete():
			return Mutation{}, ErrCannotCancelComplete
		}
		return Mutation{
			Delete: true,
			Events: []Event{NewCancelledEvent(o, s.now())},
		}, nil
	})
	if err != nil {
		return s.fail(ctx, span, "cancel", err)
	}

	s.cancellations.Add(ctx, 1)
	zctx.From(ctx).Info("Order cancelled", zap.String("order_id", id))
	return nil
}

// fail records err on the span and counts precondition rejections.
// Infrastructure failures are wrapped; domain errors pass through as is.
func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	if reason, ok := rejectionReason(err); ok {
		s.rejections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("reason", reason),
		))
		return err
	}
	span.SetStatus(codes.Error, err.Error())
	return errors.Wrap(err, op)
}

var rejections = map[error]string{
	ErrNotFound:                  "not_found",
	ErrForbidden:                 "forbidden",
	ErrAlreadyComplete:           "already_complete",
	ErrAlreadyFullyPaid:          "already_fully_paid",
	ErrInvalidAmount:             "invalid_amount",
	ErrSelfCompletionForbidden:   "self_completion",
	ErrInsufficientPayment:       "insufficient_payment",
	ErrCannotCancelComplete:      "cannot_cancel_complete",
	product.ErrInsufficientStock: "out_of_stock",
}

func rejectionReason(err error) (string, bool) {
	var shortage *stock.ShortageError
	if errors.As(err, &shortage) {
		return "out_of_stock", true
	}
	for target, reason := range rejections {
		if errors.Is(err, target) {
			return reason, true
		}
	}
	return "", false
}
