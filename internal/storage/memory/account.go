package memory

import (
	"context"

	"github.com/xenking/kart-settlement/internal/domain/auth"
)

var _ auth.Repository = (*AccountRepository)(nil)

// AccountRepository implements auth.Repository over a Store.
type AccountRepository struct {
	s *Store
}

// FindByHash returns the account whose API key hashes to hash.
func (r *AccountRepository) FindByHash(_ context.Context, hash string) (*auth.Account, error) {
	return r.find(func(a auth.Account) bool { return a.KeyHash == hash })
}

// FindByUsername returns the account with the given username.
func (r *AccountRepository) FindByUsername(_ context.Context, username string) (*auth.Account, error) {
	return r.find(func(a auth.Account) bool { return a.Username == username })
}

// Create stores a, failing with auth.ErrUsernameTaken on duplicates.
func (r *AccountRepository) Create(_ context.Context, a *auth.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.accounts {
		if existing.Username == a.Username {
			return auth.ErrUsernameTaken
		}
	}
	r.s.accounts[a.ID] = *a
	return nil
}

// SetKeyHash replaces the stored API key hash of an account.
func (r *AccountRepository) SetKeyHash(_ context.Context, id, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	a.KeyHash = hash
	r.s.accounts[id] = a
	return nil
}

func (r *AccountRepository) find(match func(auth.Account) bool) (*auth.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.accounts {
		if match(a) {
			return &a, nil
		}
	}
	return nil, auth.ErrNotFound
}
