package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.carts.Get(ctx, actorFrom(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeCart(e, c)
	})
}

// AddCartItem adds a product to the caller's cart, merging with an existing
// line for the same product. Quantity defaults to 1.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodeAddItem(w, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	line, err := h.carts.AddItem(ctx, actorFrom(ctx), req.ProductID, req.Quantity)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeCartLine(e, *line)
	})
}

func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qty, err := decodeQuantity(w, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	u, err := h.carts.UpdateQuantity(ctx, actorFrom(ctx), chi.URLParam(r, "lineID"), qty)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeQuantityUpdate(e, u)
	})
}

func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := h.carts.RemoveItem(ctx, actorFrom(ctx), chi.URLParam(r, "lineID"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		money(e, "total", total)
		e.ObjEnd()
	})
}

// Checkout turns the caller's cart into an open order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.carts.Checkout(ctx, actorFrom(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeOrder(e, o, nil)
	})
}
