package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-settlement/internal/domain/auth"
)

// Register creates a buyer or seller account and returns its API key once.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodeRegister(w, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	acc, key, err := h.auth.Register(ctx, req.Username, role)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeAccount(e, acc, key)
	})
}
