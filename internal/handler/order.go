package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// ListOrders returns every order for admins and the caller's own orders for
// everyone else, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orders, err := h.orders.List(ctx, actorFrom(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("orders")
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i], nil)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.orders.Get(ctx, actorFrom(ctx), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o, nil)
	})
}

func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	amount, err := decodePayment(w, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	o, err := h.orders.ApplyPayment(ctx, actorFrom(ctx), chi.URLParam(r, "orderID"), amount)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o, nil)
	})
}

// CompleteOrder commits stock for a fully paid order. The response reports
// any overpayment that completion discarded.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.orders.Complete(ctx, actorFrom(ctx), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, res.Order, func(e *jx.Encoder) {
			money(e, "overpayment", res.Overpayment)
		})
	})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.orders.Cancel(ctx, actorFrom(ctx), chi.URLParam(r, "orderID")); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
