package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/internal/domain/stock"
)

var errRouteNotFound = errors.New("route not found")

type errorKind struct {
	status int
	kind   string
}

// errorKinds maps domain sentinels to their HTTP representation. Lookup uses
// errors.Is, so wrapped sentinels match too.
var errorKinds = []struct {
	err error
	errorKind
}{
	{errRouteNotFound, errorKind{http.StatusNotFound, "not_found"}},
	{order.ErrNotFound, errorKind{http.StatusNotFound, "not_found"}},
	{cart.ErrNotFound, errorKind{http.StatusNotFound, "not_found"}},
	{product.ErrNotFound, errorKind{http.StatusNotFound, "not_found"}},

	{auth.ErrUnauthorized, errorKind{http.StatusUnauthorized, "unauthorized"}},

	{order.ErrForbidden, errorKind{http.StatusForbidden, "forbidden"}},
	{cart.ErrForbidden, errorKind{http.StatusForbidden, "forbidden"}},
	{order.ErrSelfCompletionForbidden, errorKind{http.StatusForbidden, "self_completion_forbidden"}},
	{auth.ErrRoleNotAllowed, errorKind{http.StatusForbidden, "forbidden"}},

	{errMalformed, errorKind{http.StatusBadRequest, "invalid_request"}},
	{cart.ErrInvalidQuantity, errorKind{http.StatusBadRequest, "invalid_input"}},
	{order.ErrInvalidAmount, errorKind{http.StatusBadRequest, "invalid_amount"}},
	{auth.ErrInvalidUsername, errorKind{http.StatusBadRequest, "invalid_input"}},
	{auth.ErrInvalidRole, errorKind{http.StatusBadRequest, "invalid_input"}},

	{cart.ErrEmptyCart, errorKind{http.StatusConflict, "empty_cart"}},
	{order.ErrAlreadyComplete, errorKind{http.StatusConflict, "already_complete"}},
	{order.ErrAlreadyFullyPaid, errorKind{http.StatusConflict, "already_fully_paid"}},
	{order.ErrInsufficientPayment, errorKind{http.StatusConflict, "insufficient_payment"}},
	{order.ErrCannotCancelComplete, errorKind{http.StatusConflict, "cannot_cancel_complete"}},
	{product.ErrInsufficientStock, errorKind{http.StatusConflict, "out_of_stock"}},
	{auth.ErrUsernameTaken, errorKind{http.StatusConflict, "username_taken"}},
}

func classify(err error) (errorKind, bool) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.errorKind, true
		}
	}
	return errorKind{}, false
}

// writeError renders err as the API error envelope. Unclassified errors are
// logged and reported as a generic 500.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var shortage *stock.ShortageError
	if errors.As(err, &shortage) {
		writeJSON(w, http.StatusConflict, func(e *jx.Encoder) {
			errorEnvelope(e, http.StatusConflict, "out_of_stock", shortage.Error(), func(e *jx.Encoder) {
				e.FieldStart("products")
				e.ArrStart()
				for _, name := range shortage.Products {
					e.Str(name)
				}
				e.ArrEnd()
			})
		})
		return
	}

	k, ok := classify(err)
	msg := err.Error()
	if !ok {
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		k = errorKind{http.StatusInternalServerError, "internal"}
		msg = "internal server error"
	}
	writeJSON(w, k.status, func(e *jx.Encoder) {
		errorEnvelope(e, k.status, k.kind, msg, nil)
	})
}

func errorEnvelope(e *jx.Encoder, status int, kind, msg string, extra func(e *jx.Encoder)) {
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("error")
	e.Str(kind)
	e.FieldStart("message")
	e.Str(msg)
	if extra != nil {
		extra(e)
	}
	e.ObjEnd()
}
