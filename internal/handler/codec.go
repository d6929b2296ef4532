package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
)

const maxBodyBytes = 1 << 20

// errMalformed marks request bodies that are not the expected JSON shape.
var errMalformed = errors.New("malformed request body")

// readBody decodes a JSON object body field by field. An empty body is an
// empty object.
func readBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrapf(errMalformed, "read: %s", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(data).Obj(field); err != nil {
		if errors.Is(err, cart.ErrInvalidQuantity) {
			return err
		}
		return errors.Wrapf(errMalformed, "%s", err)
	}
	return nil
}

// rawScalar reads a JSON string or number as its textual form. Quantities
// and amounts are accepted in either representation.
func rawScalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errors.Errorf("expected string or number, got %s", d.Next())
	}
}

type registerRequest struct {
	Username string
	Role     string
}

func decodeRegister(w http.ResponseWriter, r *http.Request) (registerRequest, error) {
	req := registerRequest{Role: "buyer"}
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "username":
			req.Username, err = d.Str()
		case "role":
			req.Role, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

type addItemRequest struct {
	ProductID string
	Quantity  int
}

func decodeAddItem(w http.ResponseWriter, r *http.Request) (addItemRequest, error) {
	req := addItemRequest{Quantity: 1}
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		switch key {
		case "product_id":
			v, err := d.Str()
			req.ProductID = v
			return err
		case "quantity":
			raw, err := rawScalar(d)
			if err != nil {
				return err
			}
			req.Quantity, err = cart.ParseQuantity(raw)
			return err
		default:
			return d.Skip()
		}
	})
	if err == nil && req.ProductID == "" {
		err = errors.Wrap(errMalformed, "product_id is required")
	}
	return req, err
}

// decodeQuantity requires a quantity field.
func decodeQuantity(w http.ResponseWriter, r *http.Request) (int, error) {
	raw := ""
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		var err error
		raw, err = rawScalar(d)
		return err
	})
	if err != nil {
		return 0, err
	}
	return cart.ParseQuantity(raw)
}

func decodePayment(w http.ResponseWriter, r *http.Request) (decimal.Decimal, error) {
	var (
		amount decimal.Decimal
		seen   bool
	)
	err := readBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "amount" {
			return d.Skip()
		}
		raw, err := rawScalar(d)
		if err != nil {
			return err
		}
		amount, err = decimal.NewFromString(raw)
		seen = err == nil
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !seen {
		return decimal.Zero, errors.Wrap(errMalformed, "amount is required")
	}
	return amount, nil
}

func money(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Str(v.StringFixed(2))
}

func timestamp(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	money(e, "price", p.Price)
	e.FieldStart("special_price")
	if p.SpecialPrice.Valid {
		e.Str(p.SpecialPrice.Decimal.StringFixed(2))
	} else {
		e.Null()
	}
	money(e, "effective_price", p.EffectivePrice())
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.ObjEnd()
}

func encodeCartLine(e *jx.Encoder, l cart.Line) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(l.ID)
	e.FieldStart("product_id")
	e.Str(l.ProductID)
	e.FieldStart("product_name")
	e.Str(l.ProductName)
	e.FieldStart("quantity")
	e.Int(l.Quantity)
	money(e, "unit_price", l.UnitPrice)
	money(e, "subtotal", l.Subtotal())
	timestamp(e, "added_at", l.AddedAt)
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, c *cart.Cart) {
	e.ObjStart()
	e.FieldStart("owner_id")
	e.Str(c.OwnerID)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range c.Lines {
		encodeCartLine(e, l)
	}
	e.ArrEnd()
	e.FieldStart("total_items")
	e.Int(c.TotalItems())
	money(e, "total_price", c.TotalPrice())
	e.ObjEnd()
}

func encodeQuantityUpdate(e *jx.Encoder, u *cart.QuantityUpdate) {
	e.ObjStart()
	e.FieldStart("line")
	encodeCartLine(e, *u.Line)
	money(e, "subtotal", u.Subtotal)
	money(e, "total", u.Total)
	e.ObjEnd()
}

// encodeOrder writes o as an object. extra, when set, appends fields before
// the object is closed.
func encodeOrder(e *jx.Encoder, o *order.Order, extra func(e *jx.Encoder)) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("buyer_id")
	e.Str(o.BuyerID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("product_name")
		e.Str(l.ProductName)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		money(e, "price", l.Price)
		money(e, "subtotal", l.Subtotal())
		e.ObjEnd()
	}
	e.ArrEnd()
	money(e, "total_price", o.TotalPrice())
	money(e, "amount_paid", o.AmountPaid)
	money(e, "amount_due", decimal.Max(o.AmountDue(), decimal.Zero))
	timestamp(e, "created_at", o.CreatedAt)
	timestamp(e, "updated_at", o.UpdatedAt)
	if extra != nil {
		extra(e)
	}
	e.ObjEnd()
}

func encodeAccount(e *jx.Encoder, a *auth.Account, apiKey string) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(a.ID)
	e.FieldStart("username")
	e.Str(a.Username)
	e.FieldStart("role")
	e.Str(a.Role.String())
	e.FieldStart("api_key")
	e.Str(apiKey)
	timestamp(e, "created_at", a.CreatedAt)
	e.ObjEnd()
}

// writeJSON encodes a response with fn and writes it with status.
func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	fn(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
