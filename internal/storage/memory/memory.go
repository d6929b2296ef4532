// Package memory implements the settlement repositories in process memory.
//
// A single mutex guards the whole store. Each mutating call works on copies
// and swaps them in only when every step succeeded, which gives the same
// all-or-nothing and serialization guarantees as the PostgreSQL store.
package memory

import (
	"sync"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/internal/outbox"
)

// Store holds all settlement state.
type Store struct {
	mu       sync.Mutex
	products map[string]product.Product
	accounts map[string]auth.Account
	carts    map[string]*cart.Cart
	orders   map[string]*order.Order
	outbox   []outbox.Record
	sent     map[int64]bool
	seq      int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		products: make(map[string]product.Product),
		accounts: make(map[string]auth.Account),
		carts:    make(map[string]*cart.Cart),
		orders:   make(map[string]*order.Order),
		sent:     make(map[int64]bool),
	}
}

// Products returns the catalog view of the store.
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

// Accounts returns the account view of the store.
func (s *Store) Accounts() *AccountRepository { return &AccountRepository{s: s} }

// Carts returns the cart view of the store.
func (s *Store) Carts() *CartRepository { return &CartRepository{s: s} }

// Orders returns the order view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Outbox returns the outbox view of the store.
func (s *Store) Outbox() *OutboxRepository { return &OutboxRepository{s: s} }

// appendEvents must be called with mu held.
func (s *Store) appendEvents(events []order.Event) {
	for _, e := range events {
		s.seq++
		s.outbox = append(s.outbox, outbox.Record{Seq: s.seq, Event: e})
	}
}

func cloneCart(c *cart.Cart) *cart.Cart {
	cp := *c
	cp.Lines = append([]cart.Line(nil), c.Lines...)
	return &cp
}
