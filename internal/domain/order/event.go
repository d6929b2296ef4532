package order

import (
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topic is the stream settlement events are published to.
const Topic = "settlement.orders"

// EventType names a settlement state change.
type EventType string

const (
	EventPlaced         EventType = "order.placed"
	EventPaymentApplied EventType = "order.payment_applied"
	EventCompleted      EventType = "order.completed"
	EventCancelled      EventType = "order.cancelled"
)

// Event is a settlement state change recorded in the outbox in the same
// transaction as the change itself. Key is the order ID so consumers see
// the events of one order in order.
type Event struct {
	ID        string
	Type      EventType
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// NewPlacedEvent records checkout of o.
func NewPlacedEvent(o *Order, at time.Time) Event {
	return newEvent(EventPlaced, o, at, func(e *jx.Encoder) {
		e.FieldStart("lines")
		e.ArrStart()
		for _, l := range o.Lines {
			e.ObjStart()
			e.FieldStart("product_id")
			e.Str(l.ProductID)
			e.FieldStart("quantity")
			e.Int(l.Quantity)
			e.FieldStart("price")
			e.Str(l.Price.StringFixed(2))
			e.ObjEnd()
		}
		e.ArrEnd()
	})
}

// NewPaymentAppliedEvent records a payment of amount against o.
func NewPaymentAppliedEvent(o *Order, amount decimal.Decimal, at time.Time) Event {
	return newEvent(EventPaymentApplied, o, at, func(e *jx.Encoder) {
		e.FieldStart("amount")
		e.Str(amount.StringFixed(2))
	})
}

// NewCompletedEvent records completion of o. overpayment is the excess that
// the reconciliation discarded; it is zero for exactly paid orders.
func NewCompletedEvent(o *Order, overpayment decimal.Decimal, at time.Time) Event {
	return newEvent(EventCompleted, o, at, func(e *jx.Encoder) {
		e.FieldStart("overpayment")
		e.Str(overpayment.StringFixed(2))
	})
}

// NewCancelledEvent records deletion of o.
func NewCancelledEvent(o *Order, at time.Time) Event {
	return newEvent(EventCancelled, o, at, nil)
}

func newEvent(typ EventType, o *Order, at time.Time, extra func(e *jx.Encoder)) Event {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(typ))
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("buyer_id")
	e.Str(o.BuyerID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("total_price")
	e.Str(o.TotalPrice().StringFixed(2))
	e.FieldStart("amount_paid")
	e.Str(o.AmountPaid.StringFixed(2))
	if extra != nil {
		extra(e)
	}
	e.FieldStart("occurred_at")
	e.Str(at.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()

	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Topic:     Topic,
		Key:       o.ID,
		Payload:   append([]byte(nil), e.Bytes()...),
		CreatedAt: at,
	}
}
