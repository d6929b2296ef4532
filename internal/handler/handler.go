// Package handler exposes the settlement use cases as a JSON API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/pkg/httpmiddleware"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// Probes serves the health endpoints.
type Probes interface {
	LiveEndpoint(w http.ResponseWriter, r *http.Request)
	ReadyEndpoint(w http.ResponseWriter, r *http.Request)
}

// Handler adapts HTTP requests to the settlement services.
type Handler struct {
	auth     *auth.Service
	products product.Repository
	carts    *cart.Service
	orders   *order.Service
	timeout  time.Duration
}

// NewHandler creates a Handler. A non-positive timeout disables the
// per-request deadline.
func NewHandler(
	authService *auth.Service,
	products product.Repository,
	carts *cart.Service,
	orders *order.Service,
	timeout time.Duration,
) *Handler {
	return &Handler{
		auth:     authService,
		products: products,
		carts:    carts,
		orders:   orders,
		timeout:  timeout,
	}
}

// Router returns the API routes together with the health endpoints.
func (h *Handler) Router(probes Probes) chi.Router {
	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests, httpmiddleware.Labeler)

	r.Get("/livez", probes.LiveEndpoint)
	r.Get("/readyz", probes.ReadyEndpoint)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}

		r.Post("/accounts", h.Register)
		r.Get("/products", h.ListProducts)
		r.Get("/products/{productID}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.GetCart)
				r.Post("/items", h.AddCartItem)
				r.Patch("/items/{lineID}", h.UpdateCartItem)
				r.Delete("/items/{lineID}", h.RemoveCartItem)
				r.Post("/checkout", h.Checkout)
			})
			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.ListOrders)
				r.Get("/{orderID}", h.GetOrder)
				r.Delete("/{orderID}", h.CancelOrder)
				r.Post("/{orderID}/payments", h.ApplyPayment)
				r.Post("/{orderID}/complete", h.CompleteOrder)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, func(e *jx.Encoder) {
			errorEnvelope(e, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		})
	})
	return r
}

type actorKey struct{}

// actorFrom returns the actor stored by authenticate.
func actorFrom(ctx context.Context) auth.Actor {
	a, _ := ctx.Value(actorKey{}).(auth.Actor)
	return a
}

// authenticate resolves the api_key header to an actor and tags the request
// logger with it.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor, err := h.auth.Authenticate(ctx, r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		ctx = context.WithValue(ctx, actorKey{}, actor)
		ctx = zctx.With(ctx, zap.String("actor_id", actor.ID), zap.Stringer("role", actor.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
